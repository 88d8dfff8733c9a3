package play

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
)

// Backend selects how an asset is decoded
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendWAV    Backend = "wav"
	BackendFFmpeg Backend = "ffmpeg"
)

// ParseBackend validates a backend name from config or flags
func ParseBackend(name string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(name))) {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendWAV:
		return BackendWAV, nil
	case BackendFFmpeg:
		return BackendFFmpeg, nil
	}
	return "", fmt.Errorf("unknown playback backend: %s (use auto, wav or ffmpeg)", name)
}

// Options configures asset decoding
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Runner      CommandRunner
}

// AssetOption is a functional option for OpenAsset
type AssetOption func(*Options)

// WithFFmpegPath sets a custom ffmpeg executable path
func WithFFmpegPath(path string) AssetOption {
	return func(o *Options) {
		if path != "" {
			o.FFmpegPath = path
		}
	}
}

// WithFFprobePath sets a custom ffprobe executable path
func WithFFprobePath(path string) AssetOption {
	return func(o *Options) {
		if path != "" {
			o.FFprobePath = path
		}
	}
}

// WithCommandRunner sets a custom command runner (for testing)
func WithCommandRunner(runner CommandRunner) AssetOption {
	return func(o *Options) {
		o.Runner = runner
	}
}

// OpenAsset opens path with the requested backend
func OpenAsset(ctx context.Context, path string, backend Backend, opts ...AssetOption) (Asset, error) {
	o := Options{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Runner:      &ExecCommandRunner{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input not found: %w", err)
	}

	switch determineBackend(path, backend) {
	case BackendWAV:
		return openWAV(path)
	default:
		return openFFmpeg(ctx, path, o)
	}
}

// determineBackend resolves auto: native decoding for valid WAV files, ffmpeg otherwise
func determineBackend(path string, backend Backend) Backend {
	if backend != BackendAuto && backend != "" {
		return backend
	}
	if strings.EqualFold(filepath.Ext(path), ".wav") && isDecodableWAV(path) {
		return BackendWAV
	}
	return BackendFFmpeg
}

func isDecodableWAV(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	return d.IsValidFile() && d.WavAudioFormat == wavFormatPCM && nativeBitDepth(int(d.BitDepth))
}

// AvailableBackends returns the backends usable on this system
func AvailableBackends(ffmpegPath string) []Backend {
	backends := []Backend{BackendWAV}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpegPath); err == nil {
		backends = append(backends, BackendFFmpeg)
	}
	return backends
}
