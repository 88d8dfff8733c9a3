package audio

import (
	"fmt"

	goaudio "github.com/go-audio/audio"
)

// Converter remaps and widens blocks from a source format to a negotiated
// target format. It holds one scratch buffer, reused on every call, so the
// block returned by Convert is only valid until the next call.
type Converter struct {
	src, dst Format
	channels ChannelMap
	identity bool
	shift    uint
	scale    float32

	ints   []int
	floats []float32
}

// NewConverter builds a converter for src → dst using m to route channels.
func NewConverter(src, dst Format, m ChannelMap) (*Converter, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("%w: source: %v", ErrUnsupportedFormat, err)
	}
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: target: %v", ErrUnsupportedFormat, err)
	}
	if len(m) != dst.Channels {
		return nil, fmt.Errorf("%w: channel map has %d entries for %d target channels", ErrUnsupportedFormat, len(m), dst.Channels)
	}
	for i, s := range m {
		if s >= src.Channels {
			return nil, fmt.Errorf("%w: channel map entry %d refers to source channel %d of %d", ErrUnsupportedFormat, i, s, src.Channels)
		}
	}
	if src.SampleRate != dst.SampleRate {
		return nil, fmt.Errorf("%w: sample rate conversion %g -> %g", ErrUnsupportedFormat, src.SampleRate, dst.SampleRate)
	}

	c := &Converter{src: src, dst: dst, channels: m, identity: m.IsIdentity(src.Channels)}
	switch {
	case src.SampleType == SampleInt && dst.SampleType == SampleInt:
		if dst.BitDepth < src.BitDepth {
			return nil, fmt.Errorf("%w: narrowing %d to %d bits", ErrUnsupportedFormat, src.BitDepth, dst.BitDepth)
		}
		c.shift = uint(dst.BitDepth - src.BitDepth)
	case src.SampleType == SampleInt && dst.SampleType == SampleFloat:
		c.scale = 1 / float32(int64(1)<<uint(src.BitDepth-1))
	case src.SampleType == SampleFloat && dst.SampleType == SampleFloat:
		if src.BitDepth != 32 || dst.BitDepth != 32 {
			return nil, fmt.Errorf("%w: only float32 is supported", ErrUnsupportedFormat)
		}
	default:
		return nil, fmt.Errorf("%w: %s to %s conversion", ErrUnsupportedFormat, src.SampleType, dst.SampleType)
	}
	return c, nil
}

// Source returns the format blocks must arrive in.
func (c *Converter) Source() Format { return c.src }

// Target returns the format of converted blocks.
func (c *Converter) Target() Format { return c.dst }

// Map returns the channel routing.
func (c *Converter) Map() ChannelMap { return c.channels }

// Convert validates b against the source format and returns it in the target format.
func (c *Converter) Convert(b *Block) (*Block, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}
	if !b.Format.Equal(c.src) {
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrFormatMismatch, b.Format, c.src)
	}

	frames := b.Frames()
	inCh, outCh := c.src.Channels, c.dst.Channels

	if c.dst.SampleType == SampleFloat {
		out := c.floatScratch(frames * outCh)
		switch in := b.Buffer.(type) {
		case *goaudio.IntBuffer:
			for f := 0; f < frames; f++ {
				row := in.Data[f*inCh : (f+1)*inCh]
				for o, s := range c.channels {
					if s < 0 {
						out[f*outCh+o] = 0
					} else {
						out[f*outCh+o] = float32(row[s]) * c.scale
					}
				}
			}
		case *goaudio.Float32Buffer:
			for f := 0; f < frames; f++ {
				row := in.Data[f*inCh : (f+1)*inCh]
				for o, s := range c.channels {
					if s < 0 {
						out[f*outCh+o] = 0
					} else {
						out[f*outCh+o] = row[s]
					}
				}
			}
		}
		return &Block{
			Format: c.dst,
			Time:   b.Time,
			Buffer: &goaudio.Float32Buffer{Format: goFormat(c.dst), Data: out, SourceBitDepth: c.src.BitDepth},
		}, nil
	}

	in := b.Buffer.(*goaudio.IntBuffer)
	out := c.intScratch(frames * outCh)
	if c.identity && c.shift == 0 {
		copy(out, in.Data[:frames*inCh])
	} else {
		for f := 0; f < frames; f++ {
			row := in.Data[f*inCh : (f+1)*inCh]
			for o, s := range c.channels {
				if s < 0 {
					out[f*outCh+o] = 0
				} else {
					out[f*outCh+o] = row[s] << c.shift
				}
			}
		}
	}
	return &Block{
		Format: c.dst,
		Time:   b.Time,
		Buffer: &goaudio.IntBuffer{Format: goFormat(c.dst), Data: out, SourceBitDepth: c.src.BitDepth},
	}, nil
}

func (c *Converter) intScratch(n int) []int {
	if cap(c.ints) < n {
		c.ints = make([]int, n)
	}
	return c.ints[:n]
}

func (c *Converter) floatScratch(n int) []float32 {
	if cap(c.floats) < n {
		c.floats = make([]float32, n)
	}
	return c.floats[:n]
}
