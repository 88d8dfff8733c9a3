// Package tap intercepts blocks delivered by a playback engine, converts
// them to the negotiated output format and forwards them to a writer.
package tap

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

// BlockWriter receives converted blocks in delivery order.
type BlockWriter interface {
	Append(b *audio.Block) error
}

// Processor is installed on one playback track for the lifetime of a recording.
//
// The engine calls Process serially. Detach may be called from any goroutine:
// it waits for an in-flight Process to return, and no block is handled after it.
type Processor struct {
	conv     *audio.Converter
	writer   BlockWriter
	progress func(time.Duration)

	// gate is held for the whole of Process and by Detach.
	gate     sync.Mutex
	detached bool

	frames atomic.Int64
	blocks atomic.Int64

	errMu    sync.Mutex
	err      error
	failed   chan struct{}
	failOnce sync.Once
}

// Option configures a Processor
type Option func(*Processor)

// WithProgress registers fn to be called after each block with the total
// processed duration. It runs on the engine goroutine and must not block.
func WithProgress(fn func(processed time.Duration)) Option {
	return func(p *Processor) {
		p.progress = fn
	}
}

// New creates a processor converting with conv and writing to w.
func New(conv *audio.Converter, w BlockWriter, opts ...Option) *Processor {
	p := &Processor{
		conv:   conv,
		writer: w,
		failed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one engine buffer. It never returns an error or panics:
// the first failure is latched, Failed is closed and later blocks are ignored.
func (p *Processor) Process(b *audio.Block) {
	p.gate.Lock()
	defer p.gate.Unlock()

	if p.detached || p.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.fail(fmt.Errorf("%w: panic while processing block: %v", audio.ErrIO, r))
		}
	}()

	out, err := p.conv.Convert(b)
	if err != nil {
		p.fail(err)
		return
	}
	if err := p.writer.Append(out); err != nil {
		if audio.ErrorKind(err) == "unknown" {
			err = fmt.Errorf("%w: %w", audio.ErrIO, err)
		}
		p.fail(err)
		return
	}

	frames := p.frames.Add(int64(b.Frames()))
	p.blocks.Add(1)
	if p.progress != nil {
		p.progress(p.conv.Source().Duration(frames))
	}
}

// Detach stops the processor. When it returns no Process call is running and
// none will run again. Safe to call more than once.
func (p *Processor) Detach() {
	p.gate.Lock()
	defer p.gate.Unlock()

	if p.detached {
		return
	}
	p.detached = true
	slog.Debug("Tap detached", "blocks", p.blocks.Load(), "frames", p.frames.Load())
}

// Processed returns the source playback time handled so far.
func (p *Processor) Processed() time.Duration {
	return p.conv.Source().Duration(p.frames.Load())
}

// Frames returns the number of source frames handled so far.
func (p *Processor) Frames() int64 {
	return p.frames.Load()
}

// Blocks returns the number of blocks handled so far.
func (p *Processor) Blocks() int64 {
	return p.blocks.Load()
}

// Err returns the latched failure, if any.
func (p *Processor) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Failed is closed when the processor latches a failure.
func (p *Processor) Failed() <-chan struct{} {
	return p.failed
}

func (p *Processor) fail(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()

	p.failOnce.Do(func() {
		slog.Error("Tap failed, dropping further blocks", "error", err, "frames", p.frames.Load())
		close(p.failed)
	})
}
