// Package signal writes channel-identification test files: every channel
// carries a sine tone of its own frequency, so a recording can be checked
// channel by channel without external media.
package signal

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

const (
	// BaseFrequency is the tone of the first channel; channel n plays (n+1) times it
	BaseFrequency = 220.0

	chunkFrames  = 4096
	wavFormatPCM = 1
)

type options struct {
	sampleRate int
	bitDepth   int
	duration   time.Duration
	level      float64
}

// Option configures a test signal
type Option func(*options)

// WithSampleRate sets the sample rate (default 48000)
func WithSampleRate(rate int) Option {
	return func(o *options) { o.sampleRate = rate }
}

// WithBitDepth sets the integer sample width: 16, 24 or 32 (default 16)
func WithBitDepth(bits int) Option {
	return func(o *options) { o.bitDepth = bits }
}

// WithDuration sets the length of the signal (default 5s)
func WithDuration(d time.Duration) Option {
	return func(o *options) { o.duration = d }
}

// WithLevel sets the tone level in dBFS (default -12)
func WithLevel(dbfs float64) Option {
	return func(o *options) { o.level = dbfs }
}

// ToneFrequency returns the frequency written to channel ch
func ToneFrequency(ch int) float64 {
	return BaseFrequency * float64(ch+1)
}

// Generate writes a WAV test signal with one tone per channel of layout.
// WAV files carry no layout of their own here, readers assume the default
// layout for the channel count.
func Generate(w io.WriteSeeker, layout audio.ChannelLayout, opts ...Option) error {
	o := options{sampleRate: 48000, bitDepth: 16, duration: 5 * time.Second, level: -12}
	for _, opt := range opts {
		opt(&o)
	}

	channels := layout.Channels()
	if channels == 0 {
		return fmt.Errorf("%w: layout %s has no channels", audio.ErrUnsupportedFormat, layout)
	}
	switch o.bitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth %d", audio.ErrUnsupportedFormat, o.bitDepth)
	}
	if o.sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", audio.ErrUnsupportedFormat, o.sampleRate)
	}
	if o.level > 0 {
		return fmt.Errorf("level %.1f dBFS would clip", o.level)
	}

	total := int64(o.duration.Seconds() * float64(o.sampleRate))
	amplitude := math.Pow(10, o.level/20) * float64(int64(1)<<(o.bitDepth-1)-1)

	slog.Debug("Generating test signal",
		"layout", layout.String(),
		"channels", channels,
		"sample_rate", o.sampleRate,
		"bit_depth", o.bitDepth,
		"frames", total)

	enc := wav.NewEncoder(w, o.sampleRate, o.bitDepth, channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: o.sampleRate},
		SourceBitDepth: o.bitDepth,
	}

	step := make([]float64, channels)
	for ch := range step {
		step[ch] = 2 * math.Pi * ToneFrequency(ch) / float64(o.sampleRate)
	}

	for frame := int64(0); frame < total; {
		n := min(int64(chunkFrames), total-frame)
		data := make([]int, int(n)*channels)
		for i := int64(0); i < n; i++ {
			t := float64(frame + i)
			for ch := 0; ch < channels; ch++ {
				data[int(i)*channels+ch] = int(math.Round(amplitude * math.Sin(step[ch]*t)))
			}
		}
		buf.Data = data
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("%w: failed to write test signal: %w", audio.ErrIO, err)
		}
		frame += n
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: failed to finalize test signal: %w", audio.ErrIO, err)
	}
	return nil
}

// WriteFile generates a test signal into path
func WriteFile(path string, layout audio.ChannelLayout, opts ...Option) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %w", audio.ErrIO, path, err)
	}

	if err := Generate(f, layout, opts...); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %w", audio.ErrIO, path, err)
	}

	slog.Info("Test signal written", "path", path, "layout", layout.String())
	return nil
}
