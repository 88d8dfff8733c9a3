// Package play decodes media assets and delivers their audio to a tap at
// playback speed.
package play

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

// Tap receives every decoded block of the tapped track. Process is called
// serially from the playback goroutine, never concurrently.
type Tap interface {
	Process(b *audio.Block)
}

// DefaultFramesPerBuffer is the block size delivered to taps
const DefaultFramesPerBuffer = 1024

// Player plays one asset once. It delivers blocks of one track to at most
// one installed tap.
type Player struct {
	asset           Asset
	rate            float64
	framesPerBuffer int

	mu       sync.Mutex
	tap      Tap
	tapTrack int
	started  bool
	cancel   context.CancelFunc
	err      error

	done     chan struct{}
	position atomic.Int64
}

// PlayerOption configures a Player
type PlayerOption func(*Player)

// WithRate sets the playback speed: 1 is real time, 0 delivers blocks as
// fast as they decode.
func WithRate(rate float64) PlayerOption {
	return func(p *Player) {
		if rate >= 0 {
			p.rate = rate
		}
	}
}

// WithFramesPerBuffer sets the number of frames per delivered block
func WithFramesPerBuffer(n int) PlayerOption {
	return func(p *Player) {
		if n > 0 {
			p.framesPerBuffer = n
		}
	}
}

// NewPlayer creates a player for asset
func NewPlayer(asset Asset, opts ...PlayerOption) *Player {
	p := &Player{
		asset:           asset,
		rate:            1,
		framesPerBuffer: DefaultFramesPerBuffer,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Duration returns the asset's total playback time
func (p *Player) Duration() time.Duration {
	return p.asset.Duration()
}

// TrackFormat returns the format blocks of track are delivered in
func (p *Player) TrackFormat(track int) (audio.Format, error) {
	tracks := p.asset.Tracks()
	if track < 0 || track >= len(tracks) {
		return audio.Format{}, fmt.Errorf("%w: track %d not found (asset has %d audio tracks)", audio.ErrAttachmentFailure, track, len(tracks))
	}
	return tracks[track].Format, nil
}

// InstallTap attaches t to track. Only one tap may be installed and only
// before playback starts.
func (p *Player) InstallTap(track int, t Tap) error {
	if t == nil {
		return fmt.Errorf("%w: nil tap", audio.ErrAttachmentFailure)
	}
	if _, err := p.TrackFormat(track); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tap != nil {
		return fmt.Errorf("%w: a tap is already installed", audio.ErrAttachmentFailure)
	}
	if p.started {
		return fmt.Errorf("%w: playback already started", audio.ErrAttachmentFailure)
	}
	p.tap = t
	p.tapTrack = track
	slog.Debug("Tap installed", "track", track)
	return nil
}

// RemoveTap detaches the tap. Blocks already handed to it are unaffected.
func (p *Player) RemoveTap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tap != nil {
		p.tap = nil
		slog.Debug("Tap removed", "track", p.tapTrack)
	}
}

// Play starts delivering the tapped track (track 0 without a tap) on a
// new goroutine. A player can be started once.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("player already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	reader, err := p.asset.Open(ctx, p.tapTrack, p.framesPerBuffer)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open track %d: %w", p.tapTrack, err)
	}

	p.started = true
	p.cancel = cancel
	slog.Info("Playback started", "asset", p.asset.Path(), "track", p.tapTrack, "rate", p.rate)

	go p.run(ctx, reader)
	return nil
}

// Stop ends playback and waits for the playback goroutine to exit.
// Safe to call more than once or before Play.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	started := p.started
	p.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-p.done
}

// Done is closed when playback ends, whether by end of stream, Stop or error
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that ended playback, nil for end of stream or Stop
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Position returns the end time of the last delivered block
func (p *Player) Position() time.Duration {
	return time.Duration(p.position.Load())
}

func (p *Player) run(ctx context.Context, reader Reader) {
	defer close(p.done)
	defer reader.Close()

	start := time.Now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if ctx.Err() != nil {
			slog.Debug("Playback stopped", "position", p.Position())
			return
		}

		block, err := reader.Next()
		if errors.Is(err, io.EOF) {
			slog.Info("Playback reached end of stream", "position", p.Position())
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			slog.Error("Playback failed", "error", err)
			return
		}

		p.mu.Lock()
		t := p.tap
		p.mu.Unlock()
		if t != nil {
			t.Process(block)
		}

		end := block.Time + block.Duration()
		p.position.Store(int64(end))

		if p.rate <= 0 {
			continue
		}
		wait := time.Until(start.Add(time.Duration(float64(end) / p.rate)))
		if wait <= 0 {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			slog.Debug("Playback stopped", "position", p.Position())
			return
		case <-timer.C:
		}
	}
}
