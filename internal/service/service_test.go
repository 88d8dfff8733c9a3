package service

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/config"
	"github.com/audiolibrelab/atmoscapture/internal/play"
	"github.com/audiolibrelab/atmoscapture/internal/session"
)

func writeWAV(t *testing.T, path string, channels, frames int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]int, frames*channels)
	for i := range data {
		data[i] = i/channels + 1
	}
	enc := wav.NewEncoder(f, 48000, 16, channels, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: 48000},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = filepath.Join(t.TempDir(), "recordings")
	cfg.Playback.Rate = 0
	return cfg
}

func waitFor(t *testing.T, sess *session.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Wait(ctx))
}

// gatedAsset delivers one block per token on gate
type gatedAsset struct {
	format audio.Format
	gate   chan struct{}
	closed chan struct{}
}

func newGatedAsset() *gatedAsset {
	l := audio.LayoutStereo
	return &gatedAsset{
		format: audio.Format{SampleRate: 48000, Channels: 2, Layout: l, BitDepth: 16, SampleType: audio.SampleInt},
		gate:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (a *gatedAsset) Path() string { return "gated.wav" }
func (a *gatedAsset) Tracks() []play.Track {
	return []play.Track{{Format: a.format, Duration: time.Second}}
}
func (a *gatedAsset) Duration() time.Duration { return time.Second }
func (a *gatedAsset) Close() error {
	close(a.closed)
	return nil
}

func (a *gatedAsset) Open(ctx context.Context, track, framesPerBuffer int) (play.Reader, error) {
	return &gatedReader{asset: a, ctx: ctx, per: framesPerBuffer}, nil
}

type gatedReader struct {
	asset *gatedAsset
	ctx   context.Context
	per   int
	pos   int
}

func (r *gatedReader) Format() audio.Format { return r.asset.format }

func (r *gatedReader) Next() (*audio.Block, error) {
	select {
	case <-r.asset.gate:
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
	if r.pos >= 48000 {
		return nil, io.EOF
	}
	b := audio.NewIntBlock(r.asset.format, r.asset.format.Duration(int64(r.pos)), make([]int, r.per*2))
	r.pos += r.per
	return b, nil
}

func (r *gatedReader) Close() error { return nil }

func TestRecordWAVToDefaultLayout(t *testing.T) {
	input := filepath.Join(t.TempDir(), "Movie Night (2024).wav")
	writeWAV(t, input, 6, 4800)
	cfg := testConfig(t)
	svc := New(cfg, "")

	sess, err := svc.Record(context.Background(), RecordRequest{InputPath: input})
	require.NoError(t, err)
	waitFor(t, sess)
	require.NoError(t, sess.Err())

	want := filepath.Join(cfg.Output.Directory, "Movie_Night_2024.7.1.4.wav")
	raw, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, uint16(12), binary.LittleEndian.Uint16(raw[58:]))
	assert.Len(t, raw, 104+4800*12*2)

	status := svc.Status()
	assert.Equal(t, session.StateCompleted, status.State)
	require.NotNil(t, status.Session)
	assert.Equal(t, int64(4800), status.Session.Frames)
	assert.Equal(t, 6, status.Session.SilentCount)
	assert.Empty(t, status.LastError)

	recordings, err := svc.ListRecordings()
	require.NoError(t, err)
	require.Len(t, recordings, 1)
	assert.Equal(t, "Movie_Night_2024.7.1.4.wav", recordings[0].Name)
}

func TestRecordRequestOverridesConfig(t *testing.T) {
	input := filepath.Join(t.TempDir(), "stereo.wav")
	writeWAV(t, input, 2, 1000)
	svc := New(testConfig(t), "")

	out := filepath.Join(t.TempDir(), "nested", "dir", "out.wav")
	bits := 24
	sess, err := svc.Record(context.Background(), RecordRequest{InputPath: input, OutputPath: out, Layout: "5.1", BitDepth: &bits})
	require.NoError(t, err)
	waitFor(t, sess)
	require.NoError(t, sess.Err())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	le := binary.LittleEndian
	assert.Equal(t, uint16(6), le.Uint16(raw[58:]), "channels")
	assert.Equal(t, uint16(24), le.Uint16(raw[70:]), "bits per sample")
	assert.Equal(t, uint32(0x3F), le.Uint32(raw[76:]), "channel mask")
}

func TestRecordRejectedWhileActive(t *testing.T) {
	asset := newGatedAsset()
	svc := New(testConfig(t), "", WithAssetOpener(func(context.Context, string, play.Backend, ...play.AssetOption) (play.Asset, error) {
		return asset, nil
	}))

	sess, err := svc.Record(context.Background(), RecordRequest{InputPath: "gated.wav", Layout: "stereo"})
	require.NoError(t, err)
	asset.gate <- struct{}{}

	_, err = svc.Record(context.Background(), RecordRequest{InputPath: "other.wav"})
	assert.ErrorIs(t, err, audio.ErrAlreadyRecording)
	assert.ErrorIs(t, svc.LoadProfile("default"), audio.ErrAlreadyRecording)
	assert.Equal(t, session.StateRecording, svc.Status().State)

	require.NoError(t, svc.Stop())
	assert.Equal(t, session.StateCompleted, sess.State())
	select {
	case <-asset.closed:
	case <-time.After(time.Second):
		t.Fatal("asset not closed after the session completed")
	}
	assert.Error(t, svc.Stop(), "nothing left to stop")

	// A finished session frees the slot
	input := filepath.Join(t.TempDir(), "next.wav")
	writeWAV(t, input, 2, 100)
	svc.openAsset = play.OpenAsset
	next, err := svc.Record(context.Background(), RecordRequest{InputPath: input})
	require.NoError(t, err)
	waitFor(t, next)
	assert.NotEqual(t, sess.ID(), next.ID())
}

func TestRecordFailures(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in.wav")
	writeWAV(t, input, 2, 100)

	tests := []struct {
		name string
		req  RecordRequest
		kind error
	}{
		{"unknown layout", RecordRequest{InputPath: input, Layout: "9.9.9"}, audio.ErrUnsupportedFormat},
		{"missing input", RecordRequest{InputPath: filepath.Join(t.TempDir(), "absent.wav")}, audio.ErrIO},
		{"missing track", RecordRequest{InputPath: input, Track: intPtr(3)}, audio.ErrAttachmentFailure},
		{"narrowing bit depth", RecordRequest{InputPath: input, BitDepth: intPtr(8)}, audio.ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			svc := New(cfg, "")

			_, err := svc.Record(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.NotEmpty(t, svc.GetLastError())

			entries, _ := os.ReadDir(cfg.Output.Directory)
			assert.Empty(t, entries, "no output left behind")
		})
	}
}

func TestRecordRefusesToOverwriteInput(t *testing.T) {
	input := filepath.Join(t.TempDir(), "song.wav")
	writeWAV(t, input, 2, 100)
	svc := New(testConfig(t), "")

	_, err := svc.Record(context.Background(), RecordRequest{InputPath: input, OutputPath: input, Layout: "stereo"})
	assert.ErrorIs(t, err, audio.ErrIO)
	assert.ErrorContains(t, err, "is the input file")
	assert.FileExists(t, input)
	assert.NoFileExists(t, input+".part")
}

func TestStatusDoesNotWaitForSlowOpen(t *testing.T) {
	asset := newGatedAsset()
	release := make(chan struct{})
	svc := New(testConfig(t), "", WithAssetOpener(func(context.Context, string, play.Backend, ...play.AssetOption) (play.Asset, error) {
		<-release
		return asset, nil
	}))

	type result struct {
		sess *session.Session
		err  error
	}
	started := make(chan result, 1)
	go func() {
		sess, err := svc.Record(context.Background(), RecordRequest{InputPath: "gated.wav", Layout: "stereo"})
		started <- result{sess, err}
	}()

	assert.Eventually(t, func() bool {
		return svc.Status().State == session.StatePreparing
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, svc.GetConfig())

	_, err := svc.Record(context.Background(), RecordRequest{InputPath: "other.wav"})
	assert.ErrorIs(t, err, audio.ErrAlreadyRecording)
	assert.ErrorIs(t, svc.LoadProfile("default"), audio.ErrAlreadyRecording)

	close(release)
	var r result
	select {
	case r = <-started:
	case <-time.After(time.Second):
		t.Fatal("Record did not return after the input opened")
	}
	require.NoError(t, r.err)
	asset.gate <- struct{}{}
	require.NoError(t, svc.Stop())
	assert.Equal(t, session.StateCompleted, r.sess.State())
}

func TestRecordRejectsBadRate(t *testing.T) {
	svc := New(testConfig(t), "")
	rate := -2.0
	_, err := svc.Record(context.Background(), RecordRequest{InputPath: "x.wav", Rate: &rate})
	assert.ErrorContains(t, err, "playback.rate")
}

func TestProbe(t *testing.T) {
	input := filepath.Join(t.TempDir(), "stereo.wav")
	writeWAV(t, input, 2, 4800)
	svc := New(testConfig(t), "")

	result, err := svc.Probe(context.Background(), input, "5.1")
	require.NoError(t, err)
	assert.Equal(t, "5.1", result.Layout)
	assert.Equal(t, 100*time.Millisecond, result.Duration)
	require.Len(t, result.Tracks, 1)

	track := result.Tracks[0]
	assert.Empty(t, track.Error)
	assert.NotEmpty(t, track.SourceFormat)
	assert.NotEmpty(t, track.TargetFormat)
	assert.Equal(t, 4, track.Silent)
	assert.Zero(t, track.Dropped)

	// Mono is centre only, so both front channels are dropped
	result, err = svc.Probe(context.Background(), input, "mono")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Tracks[0].Dropped)
	assert.Equal(t, 1, result.Tracks[0].Silent)

	_, err = svc.Probe(context.Background(), input, "bogus")
	assert.ErrorIs(t, err, audio.ErrUnsupportedFormat)
}

func TestLayouts(t *testing.T) {
	layouts := New(nil, "").Layouts()
	require.NotEmpty(t, layouts)

	var atmos *LayoutInfo
	for i := range layouts {
		if layouts[i].Name == "7.1.4" {
			atmos = &layouts[i]
		}
		if i > 0 {
			assert.LessOrEqual(t, layouts[i-1].Channels, layouts[i].Channels)
		}
	}
	require.NotNil(t, atmos)
	assert.Equal(t, 12, atmos.Channels)
	assert.Equal(t, "0x2D63F", atmos.Mask)
	assert.Len(t, atmos.Positions, 12)
}

func TestDefaultOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/out", "My_Film.7.1.4.wav"),
		DefaultOutputPath("/out", "/media/My Film!.mkv", audio.Layout7_1_4))
	assert.Equal(t, filepath.Join("/out", "recording.stereo.wav"),
		DefaultOutputPath("/out", "/media/???.wav", audio.LayoutStereo))
	assert.Equal(t, filepath.Join("/out", "clip.12c.wav"),
		DefaultOutputPath("/out", "clip.mp4", audio.DiscreteLayout(12)))
}

func TestLoadProfile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "atmoscapture.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
configs:
  default:
    output:
      directory: /tmp/atmos
  binaural:
    recording:
      layout: stereo
`), 0644))

	svc := New(nil, configFile)
	require.NoError(t, svc.LoadProfile("binaural"))
	assert.Equal(t, "stereo", svc.GetConfig().Recording.Layout)
	assert.Equal(t, "binaural", svc.Status().Profile)

	assert.Error(t, svc.LoadProfile("missing"))
	assert.Equal(t, "binaural", svc.GetConfig().Profile, "a failed load keeps the previous profile")
}

func TestStatusWhenIdle(t *testing.T) {
	status := New(nil, "").Status()
	assert.Equal(t, session.StateIdle, status.State)
	assert.Nil(t, status.Session)
}

func intPtr(v int) *int { return &v }
