package audio

import (
	"fmt"
	"math"
)

// Target is the requested output shape. Zero BitDepth and empty SampleType
// keep the source representation.
type Target struct {
	Layout     ChannelLayout
	BitDepth   int
	SampleType SampleType
}

// Negotiator decides the concrete output format for a source and a target
// layout. Limits describe the WAVE_FORMAT_EXTENSIBLE container.
type Negotiator struct {
	MaxDiscreteChannels int
}

// DefaultNegotiator is the negotiator used for WAV output.
var DefaultNegotiator = Negotiator{MaxDiscreteChannels: 64}

// Negotiate returns the format used for converted blocks and the output file.
// It never loses precision: depths only widen, float never becomes integer.
func (n Negotiator) Negotiate(src Format, want Target) (Format, error) {
	if err := src.Validate(); err != nil {
		return Format{}, fmt.Errorf("%w: source: %v", ErrUnsupportedFormat, err)
	}
	if err := n.checkLayout(want.Layout); err != nil {
		return Format{}, err
	}
	if src.SampleRate != math.Trunc(src.SampleRate) || src.SampleRate > math.MaxUint32 {
		return Format{}, fmt.Errorf("%w: sample rate %v cannot be stored in a WAV header", ErrUnsupportedFormat, src.SampleRate)
	}

	sampleType, depth, err := negotiateSamples(src, want)
	if err != nil {
		return Format{}, err
	}

	return Format{
		SampleRate: src.SampleRate,
		Channels:   want.Layout.Channels(),
		Layout:     want.Layout,
		BitDepth:   depth,
		SampleType: sampleType,
	}, nil
}

func (n Negotiator) checkLayout(l ChannelLayout) error {
	channels := l.Channels()
	if channels <= 0 {
		return fmt.Errorf("%w: target layout has no channels", ErrUnsupportedFormat)
	}
	if l.IsDiscrete() {
		if channels > n.MaxDiscreteChannels {
			return fmt.Errorf("%w: %d discrete channels exceeds the container limit of %d", ErrUnsupportedFormat, channels, n.MaxDiscreteChannels)
		}
		return nil
	}
	if channels > MaxPositioned {
		return fmt.Errorf("%w: %d positioned channels exceeds %d", ErrUnsupportedFormat, channels, MaxPositioned)
	}
	if !l.MaskOrdered() {
		return fmt.Errorf("%w: layout %s is not in WAV speaker order", ErrUnsupportedFormat, l.Descriptor())
	}
	return nil
}

// containerDepth rounds an integer depth up to the next WAV container size.
func containerDepth(bits int) int {
	switch {
	case bits <= 16:
		return 16
	case bits <= 24:
		return 24
	default:
		return 32
	}
}

func negotiateSamples(src Format, want Target) (SampleType, int, error) {
	wantType := want.SampleType
	if wantType == "" {
		wantType = src.SampleType
	}

	switch src.SampleType {
	case SampleFloat:
		if src.BitDepth != 32 {
			return "", 0, fmt.Errorf("%w: %d-bit float samples", ErrUnsupportedFormat, src.BitDepth)
		}
		if wantType != SampleFloat {
			return "", 0, fmt.Errorf("%w: float source cannot be stored as integer PCM losslessly", ErrUnsupportedFormat)
		}
		if want.BitDepth != 0 && want.BitDepth != 32 {
			return "", 0, fmt.Errorf("%w: float output must be 32-bit, got %d", ErrUnsupportedFormat, want.BitDepth)
		}
		return SampleFloat, 32, nil

	case SampleInt:
		if src.BitDepth < 16 {
			return "", 0, fmt.Errorf("%w: %d-bit integer samples", ErrUnsupportedFormat, src.BitDepth)
		}
		depth := containerDepth(src.BitDepth)
		if wantType == SampleFloat {
			if src.BitDepth > 24 {
				return "", 0, fmt.Errorf("%w: %d-bit integers do not fit float32 exactly", ErrUnsupportedFormat, src.BitDepth)
			}
			if want.BitDepth != 0 && want.BitDepth != 32 {
				return "", 0, fmt.Errorf("%w: float output must be 32-bit, got %d", ErrUnsupportedFormat, want.BitDepth)
			}
			return SampleFloat, 32, nil
		}
		if want.BitDepth != 0 {
			if want.BitDepth != 16 && want.BitDepth != 24 && want.BitDepth != 32 {
				return "", 0, fmt.Errorf("%w: bit depth %d", ErrUnsupportedFormat, want.BitDepth)
			}
			if want.BitDepth < depth {
				return "", 0, fmt.Errorf("%w: narrowing %d-bit source to %d bits", ErrUnsupportedFormat, depth, want.BitDepth)
			}
			depth = want.BitDepth
		}
		return SampleInt, depth, nil
	}

	return "", 0, fmt.Errorf("%w: sample type %q", ErrUnsupportedFormat, src.SampleType)
}
