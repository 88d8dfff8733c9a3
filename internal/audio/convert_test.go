package audio

import (
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapChannelsPositioned(t *testing.T) {
	m := MapChannels(Layout5_1, Layout7_1_4)
	require.Len(t, m, 12)

	assert.Equal(t, ChannelMap{0, 1, 2, 3, 4, 5, -1, -1, -1, -1, -1, -1}, m)
	assert.Equal(t, []int{6, 7, 8, 9, 10, 11}, m.Silent())
	assert.Empty(t, m.Dropped(6))
}

func TestMapChannelsDropsUnmappedSources(t *testing.T) {
	m := MapChannels(Layout7_1_4, Layout5_1)
	assert.Equal(t, ChannelMap{0, 1, 2, 3, 4, 5}, m)
	assert.Equal(t, []int{6, 7, 8, 9, 10, 11}, m.Dropped(12))
	assert.Empty(t, m.Silent())

	side := MapChannels(Layout5_1Side, Layout5_1)
	assert.Equal(t, ChannelMap{0, 1, 2, 3, -1, -1}, side, "side and back speakers are different positions")

	wide := MapChannels(Layout7_1Wide, Layout7_1)
	assert.Equal(t, ChannelMap{0, 1, 2, 3, 4, 5, -1, -1}, wide, "front-of-centre channels never reach the side speakers")
	assert.Equal(t, []int{6, 7}, wide.Dropped(8))
}

func TestMapChannelsDiscrete(t *testing.T) {
	m := MapChannels(DiscreteLayout(4), Layout5_1)
	assert.Equal(t, ChannelMap{0, 1, 2, 3, -1, -1}, m)

	m = MapChannels(Layout7_1_4, DiscreteLayout(2))
	assert.Equal(t, ChannelMap{0, 1}, m)
	assert.True(t, m.IsIdentity(2))
	assert.False(t, m.IsIdentity(12))
}

func TestChannelMapDescribe(t *testing.T) {
	m := MapChannels(LayoutMono, LayoutStereo)
	assert.Equal(t, "FL<-silence FR<-silence", m.Describe(LayoutMono, LayoutStereo))

	m = MapChannels(Layout3_0, LayoutStereo)
	assert.Equal(t, "FL<-FL FR<-FR", m.Describe(Layout3_0, LayoutStereo))
}

func TestConverterRemapsAndFillsSilence(t *testing.T) {
	src := intFormat(48000, Layout5_1, 16)
	dst, err := DefaultNegotiator.Negotiate(src, Target{Layout: Layout7_1_4})
	require.NoError(t, err)

	conv, err := NewConverter(src, dst, MapChannels(src.Layout, dst.Layout))
	require.NoError(t, err)

	data := []int{
		1, 2, 3, 4, 5, 6,
		-1, -2, -3, -4, -5, -6,
	}
	out, err := conv.Convert(NewIntBlock(src, 0, data))
	require.NoError(t, err)

	assert.Equal(t, 2, out.Frames())
	assert.True(t, out.Format.Equal(dst))
	buf, ok := out.Buffer.(*goaudio.IntBuffer)
	require.True(t, ok)
	assert.Equal(t, []int{
		1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0, 0,
		-1, -2, -3, -4, -5, -6, 0, 0, 0, 0, 0, 0,
	}, buf.Data)
}

func TestConverterWidensIntegers(t *testing.T) {
	src := intFormat(48000, LayoutStereo, 16)
	dst := intFormat(48000, LayoutStereo, 24)
	conv, err := NewConverter(src, dst, MapChannels(src.Layout, dst.Layout))
	require.NoError(t, err)

	out, err := conv.Convert(NewIntBlock(src, 0, []int{1, -1, 32767, -32768}))
	require.NoError(t, err)
	assert.Equal(t, []int{256, -256, 32767 << 8, -32768 << 8}, out.Buffer.(*goaudio.IntBuffer).Data)
}

func TestConverterCopiesIdentityBlocks(t *testing.T) {
	src := intFormat(48000, Layout5_1, 16)
	conv, err := NewConverter(src, src, MapChannels(src.Layout, src.Layout))
	require.NoError(t, err)

	data := []int{1, 2, 3, 4, 5, 6}
	out, err := conv.Convert(NewIntBlock(src, 0, data))
	require.NoError(t, err)
	got := out.Buffer.(*goaudio.IntBuffer).Data
	assert.Equal(t, data, got)

	data[0] = 99
	assert.Equal(t, 1, got[0], "the converted block does not share the source buffer")
}

func TestConverterIntegerToFloat(t *testing.T) {
	src := intFormat(48000, LayoutStereo, 16)
	dst := floatFormat(48000, LayoutStereo)
	conv, err := NewConverter(src, dst, MapChannels(src.Layout, dst.Layout))
	require.NoError(t, err)

	out, err := conv.Convert(NewIntBlock(src, 0, []int{16384, -32768}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1}, out.Buffer.(*goaudio.Float32Buffer).Data)
}

func TestConverterFloatPassThrough(t *testing.T) {
	src := floatFormat(48000, LayoutStereo)
	dst := floatFormat(48000, Layout3_0)
	conv, err := NewConverter(src, dst, MapChannels(src.Layout, dst.Layout))
	require.NoError(t, err)

	out, err := conv.Convert(NewFloatBlock(src, 0, []float32{0.25, -0.25}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.25, 0}, out.Buffer.(*goaudio.Float32Buffer).Data)
}

func TestConverterRejectsMismatchedBlocks(t *testing.T) {
	src := intFormat(48000, LayoutStereo, 16)
	conv, err := NewConverter(src, src, MapChannels(src.Layout, src.Layout))
	require.NoError(t, err)

	tests := []struct {
		name  string
		block *Block
	}{
		{"nil", nil},
		{"rate", NewIntBlock(intFormat(44100, LayoutStereo, 16), 0, []int{0, 0})},
		{"depth", NewIntBlock(intFormat(48000, LayoutStereo, 24), 0, []int{0, 0})},
		{"layout", NewIntBlock(intFormat(48000, Layout3_0, 16), 0, []int{0, 0, 0})},
		{"partial frame", NewIntBlock(src, 0, []int{0, 0, 0})},
		{"float buffer", &Block{Format: src, Buffer: &goaudio.Float32Buffer{Data: []float32{0, 0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := conv.Convert(tt.block)
			assert.ErrorIs(t, err, ErrFormatMismatch)
		})
	}
}

func TestNewConverterValidatesMap(t *testing.T) {
	src := intFormat(48000, LayoutStereo, 16)
	_, err := NewConverter(src, src, ChannelMap{0})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = NewConverter(src, src, ChannelMap{0, 2})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = NewConverter(src, intFormat(44100, LayoutStereo, 16), ChannelMap{0, 1})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPCMRoundTrip24Bit(t *testing.T) {
	f := intFormat(48000, LayoutStereo, 24)
	raw, err := AppendPCM(nil, NewIntBlock(f, 0, []int{1, -1, 8388607, -8388608}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f, 0, 0, 0x80}, raw)

	out := make([]int, 4)
	n := DecodeInts(out, raw, 3)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{1, -1, 8388607, -8388608}, out)
}

func TestPCMFloat(t *testing.T) {
	f := floatFormat(48000, LayoutMono)
	raw, err := AppendPCM(nil, NewFloatBlock(f, 0, []float32{1, -0.5}))
	require.NoError(t, err)
	assert.Len(t, raw, 8)

	out := make([]float32, 2)
	assert.Equal(t, 2, DecodeFloats(out, raw))
	assert.Equal(t, []float32{1, -0.5}, out)
}
