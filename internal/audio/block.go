package audio

import (
	"fmt"
	"time"

	goaudio "github.com/go-audio/audio"
)

// Block is one callback's worth of interleaved samples. Integer PCM travels in
// a *goaudio.IntBuffer, IEEE float in a *goaudio.Float32Buffer. A block is
// owned by the callback that produced it and must not be retained.
type Block struct {
	Format Format
	Time   time.Duration
	Buffer goaudio.Buffer
}

// NewIntBlock wraps integer samples in a block.
func NewIntBlock(f Format, at time.Duration, data []int) *Block {
	return &Block{
		Format: f,
		Time:   at,
		Buffer: &goaudio.IntBuffer{
			Format:         goFormat(f),
			Data:           data,
			SourceBitDepth: f.BitDepth,
		},
	}
}

// NewFloatBlock wraps float32 samples in a block.
func NewFloatBlock(f Format, at time.Duration, data []float32) *Block {
	return &Block{
		Format: f,
		Time:   at,
		Buffer: &goaudio.Float32Buffer{
			Format:         goFormat(f),
			Data:           data,
			SourceBitDepth: f.BitDepth,
		},
	}
}

// Frames returns the number of whole frames in the block.
func (b *Block) Frames() int {
	if b == nil || b.Format.Channels <= 0 {
		return 0
	}
	switch buf := b.Buffer.(type) {
	case *goaudio.IntBuffer:
		return len(buf.Data) / b.Format.Channels
	case *goaudio.Float32Buffer:
		return len(buf.Data) / b.Format.Channels
	}
	return 0
}

// Duration is the playback time covered by the block.
func (b *Block) Duration() time.Duration {
	return b.Format.Duration(int64(b.Frames()))
}

// Check verifies the block carries a buffer of the type and size its format implies.
func (b *Block) Check() error {
	if b == nil || b.Buffer == nil {
		return fmt.Errorf("%w: empty block", ErrFormatMismatch)
	}
	var n int
	switch buf := b.Buffer.(type) {
	case *goaudio.IntBuffer:
		if b.Format.SampleType != SampleInt {
			return fmt.Errorf("%w: integer buffer for %s samples", ErrFormatMismatch, b.Format.SampleType)
		}
		n = len(buf.Data)
	case *goaudio.Float32Buffer:
		if b.Format.SampleType != SampleFloat || b.Format.BitDepth != 32 {
			return fmt.Errorf("%w: float32 buffer for %s%d samples", ErrFormatMismatch, b.Format.SampleType, b.Format.BitDepth)
		}
		n = len(buf.Data)
	default:
		return fmt.Errorf("%w: unsupported buffer type %T", ErrFormatMismatch, b.Buffer)
	}
	if b.Format.Channels <= 0 || n%b.Format.Channels != 0 {
		return fmt.Errorf("%w: %d samples is not a whole number of %d-channel frames", ErrFormatMismatch, n, b.Format.Channels)
	}
	return nil
}

func goFormat(f Format) *goaudio.Format {
	return &goaudio.Format{NumChannels: f.Channels, SampleRate: int(f.SampleRate)}
}
