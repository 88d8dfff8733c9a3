package play

import (
	"context"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

// Track is one audio stream of an asset
type Track struct {
	Index    int           `json:"index"`
	Stream   int           `json:"stream"`
	Format   audio.Format  `json:"-"`
	Duration time.Duration `json:"duration"`
	Codec    string        `json:"codec"`
	Title    string        `json:"title,omitempty"`
	Language string        `json:"language,omitempty"`
}

// Reader produces the decoded blocks of one track in order
type Reader interface {
	Format() audio.Format
	// Next returns the next block, or io.EOF after the last one. The block
	// is only valid until the following call.
	Next() (*audio.Block, error)
	Close() error
}

// Asset is an opened media file with at least one audio track
type Asset interface {
	Path() string
	Tracks() []Track
	Duration() time.Duration
	Open(ctx context.Context, track, framesPerBuffer int) (Reader, error)
	Close() error
}
