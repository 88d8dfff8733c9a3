package audio

import (
	"fmt"
	"math"
	"time"
)

// SampleType is the numeric representation of a sample.
type SampleType string

const (
	SampleInt   SampleType = "int"
	SampleFloat SampleType = "float"
)

// Format describes PCM audio: rate, channel layout and sample representation.
// A Format is a value; once negotiated it is never mutated.
type Format struct {
	SampleRate float64
	Channels   int
	Layout     ChannelLayout
	BitDepth   int
	SampleType SampleType
}

// Validate checks the format is internally consistent.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || math.IsNaN(f.SampleRate) || math.IsInf(f.SampleRate, 0) {
		return fmt.Errorf("invalid sample rate %v", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.Layout.Channels() != f.Channels {
		return fmt.Errorf("layout %s has %d channels, format has %d", f.Layout, f.Layout.Channels(), f.Channels)
	}
	switch f.SampleType {
	case SampleInt:
		if f.BitDepth < 8 || f.BitDepth > 32 {
			return fmt.Errorf("invalid integer bit depth %d", f.BitDepth)
		}
	case SampleFloat:
		if f.BitDepth != 32 && f.BitDepth != 64 {
			return fmt.Errorf("invalid float bit depth %d", f.BitDepth)
		}
	default:
		return fmt.Errorf("unknown sample type %q", f.SampleType)
	}
	return nil
}

// Equal reports whether two formats describe identical sample streams.
func (f Format) Equal(o Format) bool {
	return f.SampleRate == o.SampleRate &&
		f.Channels == o.Channels &&
		f.BitDepth == o.BitDepth &&
		f.SampleType == o.SampleType &&
		f.Layout.Equal(o.Layout)
}

// BytesPerSample is the container size of one sample.
func (f Format) BytesPerSample() int {
	return (f.BitDepth + 7) / 8
}

// BlockAlign is the size in bytes of one interleaved frame.
func (f Format) BlockAlign() int {
	return f.BytesPerSample() * f.Channels
}

// Duration converts a frame count to playback time.
func (f Format) Duration(frames int64) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(frames) * float64(time.Second) / f.SampleRate)
}

// Frames converts playback time to a frame count, rounding down.
func (f Format) Frames(d time.Duration) int64 {
	return int64(d.Seconds() * f.SampleRate)
}

func (f Format) String() string {
	kind := "s"
	if f.SampleType == SampleFloat {
		kind = "f"
	}
	return fmt.Sprintf("%g Hz %s%d %s (%d ch)", f.SampleRate, kind, f.BitDepth, f.Layout, f.Channels)
}
