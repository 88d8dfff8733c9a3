package play

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

// CommandRunner defines the interface for running external commands
// This allows mocking exec.Command in tests
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// ExecCommandRunner is the production implementation using os/exec
type ExecCommandRunner struct{}

// Output executes a command and returns its stdout
func (r *ExecCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return out, nil
}

// Stream starts a command and returns its stdout. Reading past the end
// reports the command's exit status; Close stops the command.
func (r *ExecCommandRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &processReader{cmd: cmd, stdout: stdout, name: name, stderrDone: make(chan struct{})}
	go p.readStderr(stderr)
	return p, nil
}

// processReader is the stdout of a running command
type processReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	name   string

	stderrDone chan struct{}
	stderrMu   sync.Mutex
	lastLine   string

	waitOnce sync.Once
	waitErr  error
}

func (p *processReader) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err == io.EOF {
		if werr := p.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *processReader) Close() error {
	p.waitOnce.Do(func() {
		if p.cmd.ProcessState == nil && p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.stderrDone
		p.cmd.Wait()
	})
	return nil
}

func (p *processReader) wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		if err := p.cmd.Wait(); err != nil {
			p.stderrMu.Lock()
			last := p.lastLine
			p.stderrMu.Unlock()
			p.waitErr = fmt.Errorf("%s exited: %w: %s", p.name, err, last)
		}
	})
	return p.waitErr
}

// readStderr logs the command's diagnostics
func (p *processReader) readStderr(pipe io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrMu.Lock()
		p.lastLine = line
		p.stderrMu.Unlock()
		slog.Debug("FFmpeg output", "command", p.name, "line", line)
	}
}

// ffprobe -show_streams -show_format -of json
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type probeStream struct {
	Index            int               `json:"index"`
	CodecName        string            `json:"codec_name"`
	CodecType        string            `json:"codec_type"`
	SampleFmt        string            `json:"sample_fmt"`
	SampleRate       string            `json:"sample_rate"`
	Channels         int               `json:"channels"`
	ChannelLayout    string            `json:"channel_layout"`
	BitsPerRawSample string            `json:"bits_per_raw_sample"`
	Duration         string            `json:"duration"`
	Tags             map[string]string `json:"tags"`
}

// ffmpegAsset decodes any container ffmpeg understands
type ffmpegAsset struct {
	path     string
	tracks   []Track
	duration time.Duration
	opts     Options
}

func openFFmpeg(ctx context.Context, path string, o Options) (*ffmpegAsset, error) {
	args := []string{
		"-v", "error",
		"-show_streams",
		"-select_streams", "a",
		"-show_format",
		"-of", "json",
		path,
	}
	slog.Debug("Probing asset", "command", o.FFprobePath+" "+strings.Join(args, " "))

	out, err := o.Runner.Output(ctx, o.FFprobePath, args...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	asset := &ffmpegAsset{path: path, opts: o, duration: parseSeconds(probe.Format.Duration)}
	for _, s := range probe.Streams {
		if s.CodecType != "" && s.CodecType != "audio" {
			continue
		}
		track := Track{
			Index:    len(asset.tracks),
			Stream:   s.Index,
			Format:   streamFormat(s),
			Duration: parseSeconds(s.Duration),
			Codec:    s.CodecName,
			Title:    s.Tags["title"],
			Language: s.Tags["language"],
		}
		if track.Duration == 0 {
			track.Duration = asset.duration
		}
		if track.Duration > asset.duration {
			asset.duration = track.Duration
		}
		asset.tracks = append(asset.tracks, track)
	}

	if len(asset.tracks) == 0 {
		return nil, fmt.Errorf("%w: %s has no audio track", audio.ErrUnsupportedFormat, filepath.Base(path))
	}

	slog.Debug("Asset probed", "path", path, "tracks", len(asset.tracks), "duration", asset.duration)
	return asset, nil
}

// streamFormat maps ffmpeg's decoder output format onto a PCM format
func streamFormat(s probeStream) audio.Format {
	rate, _ := strconv.ParseFloat(s.SampleRate, 64)
	layout := audio.DefaultLayout(s.Channels)
	if s.ChannelLayout != "" {
		if l, err := audio.ParseLayout(s.ChannelLayout); err == nil && l.Channels() == s.Channels {
			layout = l
		}
	}

	f := audio.Format{SampleRate: rate, Channels: s.Channels, Layout: layout}
	switch strings.TrimSuffix(s.SampleFmt, "p") {
	case "u8":
		f.SampleType, f.BitDepth = audio.SampleInt, 8
	case "s16":
		f.SampleType, f.BitDepth = audio.SampleInt, 16
	case "s32":
		f.SampleType, f.BitDepth = audio.SampleInt, 32
		if raw, err := strconv.Atoi(s.BitsPerRawSample); err == nil && raw > 0 && raw <= 24 {
			f.BitDepth = 24
		}
	case "s64":
		f.SampleType, f.BitDepth = audio.SampleInt, 64
	case "flt":
		f.SampleType, f.BitDepth = audio.SampleFloat, 32
	case "dbl":
		f.SampleType, f.BitDepth = audio.SampleFloat, 64
	default:
		f.SampleType = audio.SampleType(s.SampleFmt)
	}
	return f
}

func parseSeconds(s string) time.Duration {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func (a *ffmpegAsset) Path() string            { return a.path }
func (a *ffmpegAsset) Tracks() []Track         { return a.tracks }
func (a *ffmpegAsset) Duration() time.Duration { return a.duration }
func (a *ffmpegAsset) Close() error            { return nil }

// pcmCodec returns ffmpeg's raw output muxer and codec for a format
func pcmCodec(f audio.Format) (string, string, error) {
	switch {
	case f.SampleType == audio.SampleInt && f.BitDepth == 16:
		return "s16le", "pcm_s16le", nil
	case f.SampleType == audio.SampleInt && f.BitDepth == 24:
		return "s24le", "pcm_s24le", nil
	case f.SampleType == audio.SampleInt && f.BitDepth == 32:
		return "s32le", "pcm_s32le", nil
	case f.SampleType == audio.SampleFloat && f.BitDepth == 32:
		return "f32le", "pcm_f32le", nil
	}
	return "", "", fmt.Errorf("%w: cannot decode %s", audio.ErrUnsupportedFormat, f)
}

// decoderLogLevel is "error" unless FFMPEG_LOGLEVEL asks for more
func decoderLogLevel() string {
	if level := os.Getenv("FFMPEG_LOGLEVEL"); level != "" {
		return level
	}
	return "error"
}

func (a *ffmpegAsset) Open(ctx context.Context, track, framesPerBuffer int) (Reader, error) {
	if track < 0 || track >= len(a.tracks) {
		return nil, fmt.Errorf("%w: track %d not found (asset has %d audio tracks)", audio.ErrAttachmentFailure, track, len(a.tracks))
	}
	if framesPerBuffer <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", framesPerBuffer)
	}

	t := a.tracks[track]
	muxer, codec, err := pcmCodec(t.Format)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-v", decoderLogLevel(),
		"-nostdin",
		"-i", a.path,
		"-map", fmt.Sprintf("0:%d", t.Stream),
		"-vn",
		"-f", muxer,
		"-acodec", codec,
		"pipe:1",
	}
	slog.Info("Starting FFmpeg decoder", "command", a.opts.FFmpegPath+" "+strings.Join(args, " "))

	stdout, err := a.opts.Runner.Stream(ctx, a.opts.FFmpegPath, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrIO, err)
	}

	return &pcmReader{
		src:    bufio.NewReaderSize(stdout, framesPerBuffer*t.Format.BlockAlign()),
		closer: stdout,
		format: t.Format,
		raw:    make([]byte, framesPerBuffer*t.Format.BlockAlign()),
	}, nil
}

// pcmReader turns a raw little-endian PCM stream into blocks
type pcmReader struct {
	src    io.Reader
	closer io.Closer
	format audio.Format
	raw    []byte
	ints   []int
	floats []float32
	frames int64
}

func (r *pcmReader) Format() audio.Format { return r.format }

func (r *pcmReader) Next() (*audio.Block, error) {
	n, err := io.ReadFull(r.src, r.raw)
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
	case err != nil:
		return nil, fmt.Errorf("%w: decoder stream failed: %v", audio.ErrIO, err)
	}

	align := r.format.BlockAlign()
	n -= n % align
	if n == 0 {
		return nil, io.EOF
	}
	samples := n / r.format.BytesPerSample()
	at := r.format.Duration(r.frames)
	r.frames += int64(n / align)

	if r.format.SampleType == audio.SampleFloat {
		if cap(r.floats) < samples {
			r.floats = make([]float32, samples)
		}
		data := r.floats[:samples]
		audio.DecodeFloats(data, r.raw[:n])
		return audio.NewFloatBlock(r.format, at, data), nil
	}

	if cap(r.ints) < samples {
		r.ints = make([]int, samples)
	}
	data := r.ints[:samples]
	audio.DecodeInts(data, r.raw[:n], r.format.BytesPerSample())
	return audio.NewIntBlock(r.format, at, data), nil
}

func (r *pcmReader) Close() error {
	return r.closer.Close()
}
