package play

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

const wavFormatPCM = 1

// wavAsset decodes integer PCM WAV files natively
type wavAsset struct {
	path  string
	track Track
}

func openWAV(path string) (*wavAsset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a readable WAV file", audio.ErrUnsupportedFormat, path)
	}
	if d.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("%w: WAV format tag %d (only integer PCM is decoded natively, try the ffmpeg backend)", audio.ErrUnsupportedFormat, d.WavAudioFormat)
	}
	if !nativeBitDepth(int(d.BitDepth)) {
		return nil, fmt.Errorf("%w: %d-bit WAV samples (only 16, 24 and 32-bit PCM is decoded natively, try the ffmpeg backend)", audio.ErrUnsupportedFormat, d.BitDepth)
	}
	channels := int(d.NumChans)
	rate, depth := d.SampleRate, d.BitDepth

	// IsValidFile consumes the header, locate the data chunk from the start.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind %s: %w", path, err)
	}
	d = wav.NewDecoder(f)
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to locate PCM data in %s: %w", path, err)
	}

	layout := audio.DefaultLayout(channels)
	format := audio.Format{
		SampleRate: float64(rate),
		Channels:   channels,
		Layout:     layout,
		BitDepth:   int(depth),
		SampleType: audio.SampleInt,
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", audio.ErrUnsupportedFormat, path, err)
	}

	frames := int64(d.PCMSize) / int64(format.BlockAlign())
	return &wavAsset{
		path: path,
		track: Track{
			Index:    0,
			Stream:   0,
			Format:   format,
			Duration: format.Duration(frames),
			Codec:    fmt.Sprintf("pcm_s%dle", format.BitDepth),
			Title:    filepath.Base(path),
		},
	}, nil
}

// nativeBitDepth reports whether samples fill their container exactly.
// Odd widths such as 20 bits are stored left-justified in a wider container.
func nativeBitDepth(bits int) bool {
	switch bits {
	case 16, 24, 32:
		return true
	}
	return false
}

func (a *wavAsset) Path() string            { return a.path }
func (a *wavAsset) Tracks() []Track         { return []Track{a.track} }
func (a *wavAsset) Duration() time.Duration { return a.track.Duration }
func (a *wavAsset) Close() error            { return nil }

func (a *wavAsset) Open(_ context.Context, track, framesPerBuffer int) (Reader, error) {
	if track != 0 {
		return nil, fmt.Errorf("%w: track %d not found (WAV files have one track)", audio.ErrAttachmentFailure, track)
	}
	if framesPerBuffer <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", framesPerBuffer)
	}

	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrIO, err)
	}
	d := wav.NewDecoder(f)
	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: failed to locate PCM data: %v", audio.ErrIO, err)
	}

	format := a.track.Format
	return &wavReader{
		file:    f,
		decoder: d,
		format:  format,
		data:    make([]int, framesPerBuffer*format.Channels),
	}, nil
}

type wavReader struct {
	file    *os.File
	decoder *wav.Decoder
	format  audio.Format
	data    []int
	frames  int64
	eof     bool
}

func (r *wavReader) Format() audio.Format { return r.format }

func (r *wavReader) Next() (*audio.Block, error) {
	if r.eof {
		return nil, io.EOF
	}

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: r.format.Channels, SampleRate: int(r.format.SampleRate)},
		Data:   r.data[:cap(r.data)],
	}
	n, err := r.decoder.PCMBuffer(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: failed to decode WAV data: %v", audio.ErrIO, err)
	}
	if err == io.EOF {
		r.eof = true
	}
	if n > len(buf.Data) {
		n = len(buf.Data)
	}
	n -= n % r.format.Channels
	if n == 0 {
		r.eof = true
		return nil, io.EOF
	}

	block := audio.NewIntBlock(r.format, r.format.Duration(r.frames), buf.Data[:n])
	r.frames += int64(n / r.format.Channels)
	return block, nil
}

func (r *wavReader) Close() error {
	return r.file.Close()
}
