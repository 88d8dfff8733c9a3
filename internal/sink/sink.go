// Package sink persists converted audio blocks to a WAV file.
package sink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

// PartSuffix is appended to the output path while a recording is in progress.
const PartSuffix = ".part"

type sinkState int

const (
	stateOpen sinkState = iota
	stateFinalized
	stateDiscarded
)

// FileSink owns an output WAV file from Open until Finalize or Discard.
// Appends are serialized; the frame and byte counters may be read from any
// goroutine without locking.
type FileSink struct {
	mu       sync.Mutex
	path     string
	partPath string
	format   audio.Format
	file     *os.File
	out      io.Writer
	scratch  []byte
	state    sinkState
	err      error

	frames atomic.Int64
	bytes  atomic.Int64

	fileMode      os.FileMode
	sync          bool
	rf64Threshold uint64
}

// Option configures a FileSink
type Option func(*FileSink)

// WithFileMode sets the permissions of the created file
func WithFileMode(mode os.FileMode) Option {
	return func(s *FileSink) {
		s.fileMode = mode
	}
}

// WithSync controls whether Finalize fsyncs the file before renaming it
func WithSync(enabled bool) Option {
	return func(s *FileSink) {
		s.sync = enabled
	}
}

// Open creates path+".part" and writes a placeholder header for format.
// An existing file at path is left alone until Finalize replaces it.
func Open(path string, format audio.Format, opts ...Option) (*FileSink, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrUnsupportedFormat, err)
	}
	if format.SampleRate > math.MaxUint32 || format.Channels > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %s does not fit a WAV header", audio.ErrUnsupportedFormat, format)
	}

	s := &FileSink{
		path:          path,
		partPath:      path + PartSuffix,
		format:        format,
		fileMode:      0644,
		sync:          true,
		rf64Threshold: math.MaxUint32,
	}
	for _, opt := range opts {
		opt(s)
	}

	file, err := os.OpenFile(s.partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, s.fileMode)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create output file: %v", audio.ErrIO, err)
	}
	s.file = file
	s.out = file

	if _, err := file.Write(wavHeader(format, 0, 0, false)); err != nil {
		file.Close()
		os.Remove(s.partPath)
		return nil, fmt.Errorf("%w: failed to write header: %v", audio.ErrIO, err)
	}

	slog.Debug("Sink opened", "path", s.partPath, "format", format.String())
	return s, nil
}

// Append writes the block's samples after everything appended before it.
// A write failure is sticky: later appends return the same error.
func (s *FileSink) Append(b *audio.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return fmt.Errorf("%w: sink is closed", audio.ErrIO)
	}
	if s.err != nil {
		return s.err
	}
	if err := b.Check(); err != nil {
		return err
	}
	if !b.Format.Equal(s.format) {
		return fmt.Errorf("%w: sink expects %s, got %s", audio.ErrFormatMismatch, s.format, b.Format)
	}

	var err error
	s.scratch, err = audio.AppendPCM(s.scratch[:0], b)
	if err != nil {
		return err
	}

	n, err := s.out.Write(s.scratch)
	s.bytes.Add(int64(n))
	if err == nil && n < len(s.scratch) {
		err = io.ErrShortWrite
	}
	if err != nil {
		s.err = fmt.Errorf("%w: write failed after %d bytes: %v", audio.ErrIO, s.bytes.Load(), err)
		return s.err
	}

	s.frames.Add(int64(b.Frames()))
	return nil
}

// Finalize patches the header, flushes, closes and moves the file into place.
// It is a no-op after a successful Finalize. After a failed append it discards
// the partial file and returns the append error.
func (s *FileSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateFinalized:
		return nil
	case stateDiscarded:
		return fmt.Errorf("%w: sink was discarded", audio.ErrIO)
	}

	if s.err != nil {
		s.discardLocked()
		return s.err
	}

	if err := s.finalizeLocked(); err != nil {
		s.err = err
		s.discardLocked()
		return err
	}

	s.state = stateFinalized
	slog.Info("Recording written", "path", s.path, "frames", s.frames.Load(), "bytes", s.bytes.Load())
	return nil
}

func (s *FileSink) finalizeLocked() error {
	dataSize := uint64(s.bytes.Load())
	if dataSize&1 == 1 {
		if _, err := s.out.Write([]byte{0}); err != nil {
			return fmt.Errorf("%w: failed to pad data chunk: %v", audio.ErrIO, err)
		}
	}

	riffSize := uint64(headerSize-8) + dataSize + dataSize&1
	rf64 := riffSize > s.rf64Threshold
	header := wavHeader(s.format, dataSize, uint64(s.frames.Load()), rf64)
	if _, err := s.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("%w: failed to write header: %v", audio.ErrIO, err)
	}
	if rf64 {
		slog.Debug("Recording promoted to RF64", "path", s.path, "bytes", dataSize)
	}

	if s.sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("%w: failed to sync output file: %v", audio.ErrIO, err)
		}
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("%w: failed to close output file: %v", audio.ErrIO, err)
	}
	if err := os.Rename(s.partPath, s.path); err != nil {
		return fmt.Errorf("%w: failed to move recording into place: %v", audio.ErrIO, err)
	}
	return nil
}

// Discard closes and removes the partial file. It is idempotent and does
// nothing after a successful Finalize.
func (s *FileSink) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return nil
	}
	return s.discardLocked()
}

func (s *FileSink) discardLocked() error {
	s.state = stateDiscarded
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := os.Remove(s.partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to remove partial file: %v", audio.ErrIO, err)
	}
	slog.Info("Partial recording discarded", "path", s.partPath, "frames", s.frames.Load())
	return nil
}

// Path returns the final output path.
func (s *FileSink) Path() string { return s.path }

// Format returns the format every appended block must have.
func (s *FileSink) Format() audio.Format { return s.format }

// FramesWritten returns the number of frames appended so far.
func (s *FileSink) FramesWritten() int64 { return s.frames.Load() }

// BytesWritten returns the number of sample bytes appended so far.
func (s *FileSink) BytesWritten() int64 { return s.bytes.Load() }
