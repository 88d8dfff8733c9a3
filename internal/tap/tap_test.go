package tap

import (
	"errors"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

type recordingWriter struct {
	mu      sync.Mutex
	samples []int
	failAt  int
	calls   int
	block   chan struct{}
	entered chan struct{}
}

func (w *recordingWriter) Append(b *audio.Block) error {
	w.mu.Lock()
	w.calls++
	calls := w.calls
	w.mu.Unlock()

	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.block != nil {
		<-w.block
	}
	if w.failAt > 0 && calls == w.failAt {
		return errors.New("disk full")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, b.Buffer.(*goaudio.IntBuffer).Data...)
	return nil
}

func (w *recordingWriter) written() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.samples...)
}

type panickingWriter struct{}

func (panickingWriter) Append(*audio.Block) error { panic("boom") }

func format(l audio.ChannelLayout) audio.Format {
	return audio.Format{SampleRate: 48000, Channels: l.Channels(), Layout: l, BitDepth: 16, SampleType: audio.SampleInt}
}

func newProcessor(t *testing.T, src, dst audio.Format, w BlockWriter, opts ...Option) *Processor {
	t.Helper()
	conv, err := audio.NewConverter(src, dst, audio.MapChannels(src.Layout, dst.Layout))
	require.NoError(t, err)
	return New(conv, w, opts...)
}

// counterBlock fills frames with a running counter so order is visible in the output.
func counterBlock(f audio.Format, start, frames int) *audio.Block {
	data := make([]int, frames*f.Channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < f.Channels; c++ {
			data[i*f.Channels+c] = start + i
		}
	}
	return audio.NewIntBlock(f, f.Duration(int64(start)), data)
}

func TestProcessorPreservesOrder(t *testing.T) {
	f := format(audio.LayoutStereo)
	w := &recordingWriter{}
	p := newProcessor(t, f, f, w)

	for i := 0; i < 50; i++ {
		p.Process(counterBlock(f, i*16, 16))
	}

	got := w.written()
	require.Len(t, got, 50*16*2)
	for i := 0; i < 50*16; i++ {
		assert.Equal(t, i, got[i*2])
		assert.Equal(t, i, got[i*2+1])
	}
	assert.Equal(t, int64(800), p.Frames())
	assert.Equal(t, int64(50), p.Blocks())
	assert.Equal(t, f.Duration(800), p.Processed())
	assert.NoError(t, p.Err())
}

func TestProcessorRemapsToTargetLayout(t *testing.T) {
	src := format(audio.Layout5_1)
	dst := format(audio.Layout7_1_4)
	w := &recordingWriter{}
	p := newProcessor(t, src, dst, w)

	p.Process(counterBlock(src, 7, 1))
	assert.Equal(t, []int{7, 7, 7, 7, 7, 7, 0, 0, 0, 0, 0, 0}, w.written())
}

func TestProcessorReportsProgress(t *testing.T) {
	f := format(audio.LayoutStereo)
	var seen []time.Duration
	p := newProcessor(t, f, f, &recordingWriter{}, WithProgress(func(d time.Duration) {
		seen = append(seen, d)
	}))

	p.Process(counterBlock(f, 0, 480))
	p.Process(counterBlock(f, 480, 480))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, seen)
}

func TestProcessorLatchesFormatMismatch(t *testing.T) {
	f := format(audio.LayoutStereo)
	w := &recordingWriter{}
	p := newProcessor(t, f, f, w)

	p.Process(counterBlock(f, 0, 4))
	p.Process(counterBlock(format(audio.Layout5_1), 4, 4))
	p.Process(counterBlock(f, 8, 4))

	assert.ErrorIs(t, p.Err(), audio.ErrFormatMismatch)
	select {
	case <-p.Failed():
	default:
		t.Fatal("Failed channel not closed")
	}
	assert.Len(t, w.written(), 8, "blocks after the failure are ignored")
	assert.Equal(t, int64(4), p.Frames())
}

func TestProcessorLatchesWriteFailure(t *testing.T) {
	f := format(audio.LayoutStereo)
	w := &recordingWriter{failAt: 3}
	p := newProcessor(t, f, f, w)

	for i := 0; i < 5; i++ {
		p.Process(counterBlock(f, i, 1))
	}
	assert.ErrorIs(t, p.Err(), audio.ErrIO)
	assert.ErrorContains(t, p.Err(), "disk full")
	assert.Equal(t, int64(2), p.Frames())
	assert.Equal(t, 3, w.calls)
}

func TestProcessorRecoversPanics(t *testing.T) {
	f := format(audio.LayoutStereo)
	p := newProcessor(t, f, f, panickingWriter{})

	assert.NotPanics(t, func() { p.Process(counterBlock(f, 0, 1)) })
	assert.ErrorIs(t, p.Err(), audio.ErrIO)
}

func TestDetachWaitsForInFlightBlock(t *testing.T) {
	f := format(audio.LayoutStereo)
	w := &recordingWriter{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newProcessor(t, f, f, w)

	go p.Process(counterBlock(f, 0, 1))
	<-w.entered

	detached := make(chan struct{})
	go func() {
		p.Detach()
		close(detached)
	}()

	select {
	case <-detached:
		t.Fatal("Detach returned while a block was being written")
	case <-time.After(50 * time.Millisecond):
	}

	close(w.block)
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("Detach did not return after the write completed")
	}
	assert.Len(t, w.written(), 2)

	p.Process(counterBlock(f, 1, 1))
	assert.Len(t, w.written(), 2, "no block is processed after Detach")
	p.Detach()
}
