// Package session runs one recording: it negotiates the output format,
// binds a tap to a file sink, attaches it to a playback engine and reports
// progress until the recording completes or fails.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/play"
	"github.com/audiolibrelab/atmoscapture/internal/sink"
	"github.com/audiolibrelab/atmoscapture/internal/tap"
)

// State is the lifecycle state of a session
type State string

const (
	StateIdle      State = "IDLE"
	StatePreparing State = "PREPARING"
	StateRecording State = "RECORDING"
	StateStopping  State = "STOPPING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Engine is the playback pipeline a session taps
type Engine interface {
	Duration() time.Duration
	TrackFormat(track int) (audio.Format, error)
	InstallTap(track int, t play.Tap) error
	RemoveTap()
	Play(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Err() error
}

var _ Engine = (*play.Player)(nil)

// BlockSink persists converted blocks
type BlockSink interface {
	Append(b *audio.Block) error
	Finalize() error
	Discard() error
	FramesWritten() int64
	BytesWritten() int64
}

// SinkOpener creates the sink for a negotiated format
type SinkOpener func(path string, format audio.Format) (BlockSink, error)

// Request describes what to record
type Request struct {
	Input      string
	Track      int
	OutputPath string
	Target     audio.Target
}

// Progress is a derived view of how far a recording has got
type Progress struct {
	Fraction float64       `json:"fraction"`
	Current  time.Duration `json:"current"`
	Total    time.Duration `json:"total"`
}

// Info is a snapshot of a session for status reporting
type Info struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Input        string    `json:"input,omitempty"`
	Track        int       `json:"track"`
	OutputFile   string    `json:"output_file,omitempty"`
	SourceFormat string    `json:"source_format,omitempty"`
	TargetFormat string    `json:"target_format,omitempty"`
	Channels     int       `json:"channels,omitempty"`
	SilentCount  int       `json:"silent_channels"`
	StartTime    time.Time `json:"start_time"`
	Frames       int64     `json:"frames"`
	Bytes        int64     `json:"bytes"`
	Progress     Progress  `json:"progress"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
}

// Session is a single-use recording. Create a fresh one per recording.
type Session struct {
	id         string
	engine     Engine
	negotiator audio.Negotiator
	openSink   SinkOpener
	onComplete func(error)

	mutex     sync.RWMutex
	state     State
	req       Request
	src, dst  audio.Format
	channels  audio.ChannelMap
	sink      BlockSink
	proc      *tap.Processor
	startTime time.Time
	err       error

	progress chan Progress
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Session
type Option func(*Session)

// WithCompletion registers fn to be called exactly once with the outcome
func WithCompletion(fn func(err error)) Option {
	return func(s *Session) {
		s.onComplete = fn
	}
}

// WithNegotiator replaces the default WAV negotiator
func WithNegotiator(n audio.Negotiator) Option {
	return func(s *Session) {
		s.negotiator = n
	}
}

// WithSinkOpener replaces the WAV file sink
func WithSinkOpener(open SinkOpener) Option {
	return func(s *Session) {
		s.openSink = open
	}
}

// OpenFileSink opens a WAV sink.FileSink
func OpenFileSink(path string, format audio.Format) (BlockSink, error) {
	return sink.Open(path, format)
}

// New creates an idle session bound to engine
func New(engine Engine, opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		engine:     engine,
		negotiator: audio.DefaultNegotiator,
		openSink:   OpenFileSink,
		state:      StateIdle,
		progress:   make(chan Progress, 1),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Start prepares the recording and starts playback. It returns once the
// session is Recording, or with the error that failed it. A failed Start
// leaves no file behind and still delivers the completion.
func (s *Session) Start(ctx context.Context, req Request) error {
	s.mutex.Lock()
	switch {
	case s.state.Terminal():
		s.mutex.Unlock()
		return fmt.Errorf("%w: session %s is %s", audio.ErrSessionFinished, s.id, s.state)
	case s.state != StateIdle:
		state := s.state
		s.mutex.Unlock()
		return fmt.Errorf("%w: session %s is %s", audio.ErrAlreadyRecording, s.id, state)
	}
	s.req = req
	s.startTime = time.Now()
	s.setStateLocked(StatePreparing)
	s.mutex.Unlock()

	if err := s.prepare(ctx, req); err != nil {
		s.complete(err)
		return err
	}

	s.mutex.Lock()
	s.setStateLocked(StateRecording)
	s.mutex.Unlock()

	slog.Info("Recording started",
		"id", s.id,
		"input", req.Input,
		"track", req.Track,
		"output", req.OutputPath,
		"source", s.src.String(),
		"target", s.dst.String())

	go s.monitor()
	return nil
}

// prepare runs the Preparing state. On error everything it built is torn down.
func (s *Session) prepare(ctx context.Context, req Request) error {
	if req.OutputPath == "" {
		return fmt.Errorf("%w: output path is required", audio.ErrIO)
	}

	src, err := s.engine.TrackFormat(req.Track)
	if err != nil {
		return withKind(err, audio.ErrAttachmentFailure)
	}
	dst, err := s.negotiator.Negotiate(src, req.Target)
	if err != nil {
		return err
	}
	channels := audio.MapChannels(src.Layout, dst.Layout)
	conv, err := audio.NewConverter(src, dst, channels)
	if err != nil {
		return err
	}
	if silent := channels.Silent(); len(silent) > 0 {
		slog.Info("Target channels without a source are silence-filled", "id", s.id, "channels", len(silent))
	}
	if dropped := channels.Dropped(src.Channels); len(dropped) > 0 {
		slog.Info("Source channels without a target are dropped", "id", s.id, "channels", len(dropped))
	}
	slog.Debug("Channel mapping", "id", s.id, "map", channels.Describe(src.Layout, dst.Layout))

	out, err := s.openSink(req.OutputPath, dst)
	if err != nil {
		return withKind(err, audio.ErrIO)
	}

	proc := tap.New(conv, out, tap.WithProgress(s.publish))

	s.mutex.Lock()
	s.src, s.dst, s.channels = src, dst, channels
	s.sink, s.proc = out, proc
	s.mutex.Unlock()

	if err := s.engine.InstallTap(req.Track, proc); err != nil {
		out.Discard()
		return withKind(err, audio.ErrAttachmentFailure)
	}
	if err := s.engine.Play(ctx); err != nil {
		proc.Detach()
		s.engine.RemoveTap()
		out.Discard()
		return withKind(fmt.Errorf("failed to start playback: %w", err), audio.ErrAttachmentFailure)
	}
	return nil
}

// monitor waits for the end of the recording and runs the Stopping state
func (s *Session) monitor() {
	var cause error
	reason := "stop requested"

	select {
	case <-s.stopChan:
	case <-s.engine.Done():
		reason = "end of stream"
		if err := s.engine.Err(); err != nil {
			reason = "playback failed"
			cause = withKind(fmt.Errorf("playback failed: %w", err), audio.ErrIO)
		}
	case <-s.proc.Failed():
		reason = "tap failed"
		cause = s.proc.Err()
	}

	s.mutex.Lock()
	s.setStateLocked(StateStopping)
	s.mutex.Unlock()
	slog.Info("Stopping recording", "id", s.id, "reason", reason)

	// Detach returns only after an in-flight block has been appended.
	s.proc.Detach()
	s.engine.RemoveTap()
	s.engine.Stop()

	if err := s.proc.Err(); err != nil && cause == nil {
		cause = err
	}

	if cause != nil {
		s.sink.Discard()
		s.complete(cause)
		return
	}
	if err := s.sink.Finalize(); err != nil {
		s.complete(withKind(err, audio.ErrIO))
		return
	}
	s.complete(nil)
}

// complete moves to a terminal state and delivers the completion once
func (s *Session) complete(err error) {
	s.mutex.Lock()
	s.err = err
	if err != nil {
		s.setStateLocked(StateFailed)
	} else {
		s.setStateLocked(StateCompleted)
	}
	info := s.infoLocked()
	s.mutex.Unlock()

	if err != nil {
		slog.Error("Recording failed", "id", s.id, "error", err, "kind", audio.ErrorKind(err), "frames", info.Frames)
	} else {
		slog.Info("Recording completed", "id", s.id, "output", info.OutputFile, "frames", info.Frames, "duration", info.Progress.Current)
	}

	close(s.progress)
	if s.onComplete != nil {
		s.onComplete(err)
	}
	close(s.done)
}

// publish runs on the engine goroutine after every block. The latest value
// replaces an unread one so the engine never blocks.
func (s *Session) publish(processed time.Duration) {
	p := progressOf(processed, s.engine.Duration())
	select {
	case s.progress <- p:
		return
	default:
	}
	select {
	case <-s.progress:
	default:
	}
	select {
	case s.progress <- p:
	default:
	}
}

func progressOf(current, total time.Duration) Progress {
	p := Progress{Current: current, Total: total}
	if total > 0 {
		p.Fraction = float64(current) / float64(total)
		if p.Fraction > 1 {
			p.Fraction = 1
		}
	}
	return p
}

// Stop ends the recording and returns once the completion has been
// delivered. It does nothing on an idle session and is safe to repeat.
// A Stop during Preparing takes effect as soon as Recording is reached.
func (s *Session) Stop() {
	s.mutex.RLock()
	state := s.state
	s.mutex.RUnlock()

	if state == StateIdle {
		return
	}
	s.stopOnce.Do(func() {
		slog.Debug("Stop requested", "id", s.id, "state", state)
		close(s.stopChan)
	})
	<-s.done
}

// Done is closed once the completion has been delivered
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session completes or ctx is done
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the completion error. It is nil before completion and after success.
func (s *Session) Err() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.err
}

// Progress delivers progress updates while recording and is closed on completion
func (s *Session) Progress() <-chan Progress {
	return s.progress
}

// State returns the current state
func (s *Session) State() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	info := Info{
		ID:         s.id,
		State:      s.state,
		Input:      s.req.Input,
		Track:      s.req.Track,
		OutputFile: s.req.OutputPath,
		StartTime:  s.startTime,
	}
	if s.proc != nil {
		info.SourceFormat = s.src.String()
		info.TargetFormat = s.dst.String()
		info.Channels = s.dst.Channels
		info.SilentCount = len(s.channels.Silent())
		info.Progress = progressOf(s.proc.Processed(), s.engine.Duration())
	}
	if s.sink != nil {
		info.Frames = s.sink.FramesWritten()
		info.Bytes = s.sink.BytesWritten()
	}
	if s.err != nil {
		info.Error = s.err.Error()
		info.ErrorKind = audio.ErrorKind(s.err)
	}
	return info
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	slog.Debug("Recording state changed", "id", s.id, "from", s.state, "to", next)
	s.state = next
}

// withKind wraps err with kind unless it already carries a known error kind
func withKind(err error, kind error) error {
	if audio.ErrorKind(err) != "unknown" {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
