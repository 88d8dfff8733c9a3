package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/config"
	"github.com/audiolibrelab/atmoscapture/internal/play"
	"github.com/audiolibrelab/atmoscapture/internal/session"
	"github.com/audiolibrelab/atmoscapture/internal/sink"
)

// Service represents the core AtmosCapture service interface
type Service interface {
	// Recording operations
	Record(ctx context.Context, req RecordRequest) (*session.Session, error)
	Stop() error
	Status() Status

	// Information operations
	Probe(ctx context.Context, path, layout string) (*ProbeResult, error)
	Layouts() []LayoutInfo
	ListRecordings() ([]RecordingInfo, error)
	GetLastError() string

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config
}

// RecordRequest describes a recording. Zero values and nil pointers fall back
// to the active configuration.
type RecordRequest struct {
	InputPath  string   `json:"input"`
	OutputPath string   `json:"output,omitempty"`
	Layout     string   `json:"layout,omitempty"`
	Track      *int     `json:"track,omitempty"`
	BitDepth   *int     `json:"bit_depth,omitempty"`
	Rate       *float64 `json:"rate,omitempty"`
	Backend    string   `json:"backend,omitempty"`
}

// Status reports the current or last recording
type Status struct {
	State     session.State `json:"state"`
	Profile   string        `json:"profile"`
	Session   *session.Info `json:"session,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// ProbeResult lists the audio tracks of an asset and what each would record as
type ProbeResult struct {
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	Layout   string        `json:"layout"`
	Tracks   []TrackProbe  `json:"tracks"`
}

// TrackProbe is one probed track with its negotiated target format
type TrackProbe struct {
	play.Track
	SourceFormat string `json:"source_format"`
	TargetFormat string `json:"target_format,omitempty"`
	Silent       int    `json:"silent_channels"`
	Dropped      int    `json:"dropped_channels"`
	Error        string `json:"error,omitempty"`
}

// LayoutInfo describes a named channel layout
type LayoutInfo struct {
	Name      string   `json:"name"`
	Channels  int      `json:"channels"`
	Mask      string   `json:"mask"`
	Positions []string `json:"positions"`
}

// RecordingInfo describes a finished recording in the output directory
type RecordingInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
}

// AssetOpener opens media for playback
type AssetOpener func(ctx context.Context, path string, backend play.Backend, opts ...play.AssetOption) (play.Asset, error)

// AtmosCaptureService is the main service implementation
type AtmosCaptureService struct {
	configFile string
	openAsset  AssetOpener

	mutex    sync.RWMutex
	cfg      *config.Config
	current  *session.Session
	starting bool

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

var _ Service = (*AtmosCaptureService)(nil)

// Option configures the service
type Option func(*AtmosCaptureService)

// WithAssetOpener replaces play.OpenAsset
func WithAssetOpener(open AssetOpener) Option {
	return func(s *AtmosCaptureService) {
		s.openAsset = open
	}
}

// New creates a new AtmosCapture service instance
func New(cfg *config.Config, configFile string, opts ...Option) *AtmosCaptureService {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &AtmosCaptureService{
		cfg:        cfg,
		configFile: configFile,
		openAsset:  play.OpenAsset,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record opens the input, negotiates the output format and starts a fresh
// session. It fails with audio.ErrAlreadyRecording while a session is active.
// The session outlives ctx: use Stop or the session itself to end it.
func (s *AtmosCaptureService) Record(ctx context.Context, req RecordRequest) (*session.Session, error) {
	slog.Debug("Service.Record called", "input", req.InputPath, "layout", req.Layout)

	s.mutex.Lock()
	if s.starting || (s.current != nil && !s.current.State().Terminal()) {
		s.mutex.Unlock()
		return nil, s.busyError()
	}
	s.starting = true
	cfg := s.cfg
	s.mutex.Unlock()

	sess, plan, err := s.prepare(ctx, cfg, req)

	s.mutex.Lock()
	s.starting = false
	if err == nil {
		s.current = sess
	}
	s.mutex.Unlock()

	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}

	s.clearLastError()
	if err := sess.Start(context.WithoutCancel(ctx), plan.request); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return sess, err
	}

	slog.Info("Recording started", "id", sess.ID(), "input", req.InputPath, "output", plan.request.OutputPath, "layout", plan.request.Target.Layout)
	return sess, nil
}

// prepare resolves req and opens the input. It runs without the service lock
// held since probing may start a subprocess.
func (s *AtmosCaptureService) prepare(ctx context.Context, cfg *config.Config, req RecordRequest) (*session.Session, *recordPlan, error) {
	plan, err := resolveRequest(cfg, req)
	if err != nil {
		return nil, nil, err
	}

	asset, err := s.openAsset(ctx, plan.request.Input, plan.backend,
		play.WithFFmpegPath(cfg.FFmpeg.FFmpegPath),
		play.WithFFprobePath(cfg.FFmpeg.FFprobePath))
	if err != nil {
		if audio.ErrorKind(err) == "unknown" {
			err = fmt.Errorf("%w: %w", audio.ErrIO, err)
		}
		return nil, nil, fmt.Errorf("failed to open %s: %w", req.InputPath, err)
	}
	return s.newSession(asset, plan, cfg), plan, nil
}

// busyError describes why a new session cannot start. Callers hold s.mutex.
func (s *AtmosCaptureService) busyError() error {
	if s.current == nil || s.current.State().Terminal() {
		return fmt.Errorf("%w: a recording is starting", audio.ErrAlreadyRecording)
	}
	return fmt.Errorf("%w: session %s is %s", audio.ErrAlreadyRecording, s.current.ID(), s.current.State())
}

// recordPlan is a request with every default resolved
type recordPlan struct {
	request session.Request
	backend play.Backend
	rate    float64
}

func resolveRequest(cfg *config.Config, req RecordRequest) (*recordPlan, error) {
	if req.InputPath == "" {
		return nil, fmt.Errorf("no input specified")
	}

	layoutName := req.Layout
	if layoutName == "" {
		layoutName = cfg.Recording.Layout
	}
	layout, err := audio.ParseLayout(layoutName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrUnsupportedFormat, err)
	}

	track := cfg.Recording.Track
	if req.Track != nil {
		track = *req.Track
	}
	bitDepth := cfg.Recording.BitDepth
	if req.BitDepth != nil {
		bitDepth = *req.BitDepth
	}
	rate := cfg.Playback.Rate
	if req.Rate != nil {
		if err := config.ValidateRate(*req.Rate); err != nil {
			return nil, err
		}
		rate = *req.Rate
	}
	backendName := req.Backend
	if backendName == "" {
		backendName = cfg.Playback.Backend
	}
	backend, err := play.ParseBackend(backendName)
	if err != nil {
		return nil, err
	}

	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = DefaultOutputPath(cfg.Output.Directory, req.InputPath, layout)
	}
	if sameFile(req.InputPath, outputPath) {
		return nil, fmt.Errorf("%w: output %s is the input file", audio.ErrIO, outputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create output directory: %w", audio.ErrIO, err)
	}

	return &recordPlan{
		request: session.Request{
			Input:      req.InputPath,
			Track:      track,
			OutputPath: outputPath,
			Target:     audio.Target{Layout: layout, BitDepth: bitDepth},
		},
		backend: backend,
		rate:    rate,
	}, nil
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

// newSession binds a fresh session to a player for asset. The asset is
// closed when the session completes.
func (s *AtmosCaptureService) newSession(asset play.Asset, plan *recordPlan, cfg *config.Config) *session.Session {
	player := play.NewPlayer(asset,
		play.WithRate(plan.rate),
		play.WithFramesPerBuffer(cfg.Playback.BufferFrames))

	sinkOpts := []sink.Option{sink.WithSync(cfg.Output.SyncOutput())}
	return session.New(player,
		session.WithSinkOpener(func(path string, format audio.Format) (session.BlockSink, error) {
			return sink.Open(path, format, sinkOpts...)
		}),
		session.WithCompletion(func(err error) {
			if cerr := asset.Close(); cerr != nil {
				slog.Warn("Failed to close input", "input", asset.Path(), "error", cerr)
			}
			if err != nil {
				s.setLastError(fmt.Sprintf("Recording failed: %v", err))
			}
		}),
	)
}

// Stop stops the active session and waits for its file to be finalized
func (s *AtmosCaptureService) Stop() error {
	s.mutex.RLock()
	sess := s.current
	s.mutex.RUnlock()

	if sess == nil || sess.State().Terminal() {
		return fmt.Errorf("no recording in progress")
	}

	sess.Stop()
	if err := sess.Err(); err != nil {
		return fmt.Errorf("recording failed: %w", err)
	}
	return nil
}

// Status returns the state of the current or most recent session
func (s *AtmosCaptureService) Status() Status {
	s.mutex.RLock()
	sess := s.current
	profile := s.cfg.Profile
	starting := s.starting
	s.mutex.RUnlock()

	status := Status{State: session.StateIdle, Profile: profile, LastError: s.GetLastError()}
	if starting {
		status.State = session.StatePreparing
	} else if sess != nil {
		info := sess.Info()
		status.State = info.State
		status.Session = &info
	}
	return status
}

// Probe opens path and reports each audio track with the format a recording
// to layout (the configured layout when empty) would negotiate.
func (s *AtmosCaptureService) Probe(ctx context.Context, path, layout string) (*ProbeResult, error) {
	cfg := s.GetConfig()
	if layout == "" {
		layout = cfg.Recording.Layout
	}
	target, err := audio.ParseLayout(layout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrUnsupportedFormat, err)
	}
	backend, err := play.ParseBackend(cfg.Playback.Backend)
	if err != nil {
		return nil, err
	}

	asset, err := s.openAsset(ctx, path, backend,
		play.WithFFmpegPath(cfg.FFmpeg.FFmpegPath),
		play.WithFFprobePath(cfg.FFmpeg.FFprobePath))
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", path, err)
	}
	defer asset.Close()

	result := &ProbeResult{
		Path:     asset.Path(),
		Duration: asset.Duration(),
		Layout:   target.String(),
	}
	for _, track := range asset.Tracks() {
		tp := TrackProbe{Track: track, SourceFormat: track.Format.String()}
		dst, err := audio.DefaultNegotiator.Negotiate(track.Format, audio.Target{Layout: target, BitDepth: cfg.Recording.BitDepth})
		if err != nil {
			tp.Error = err.Error()
		} else {
			m := audio.MapChannels(track.Format.Layout, dst.Layout)
			tp.TargetFormat = dst.String()
			tp.Silent = len(m.Silent())
			tp.Dropped = len(m.Dropped(track.Format.Channels))
		}
		result.Tracks = append(result.Tracks, tp)
	}

	slog.Debug("Probe completed", "path", path, "tracks", len(result.Tracks))
	return result, nil
}

// Layouts returns the named channel layouts
func (s *AtmosCaptureService) Layouts() []LayoutInfo {
	return ListLayouts()
}

// ListLayouts describes every named channel layout, ordered by channel count
func ListLayouts() []LayoutInfo {
	layouts := audio.Layouts()
	infos := make([]LayoutInfo, 0, len(layouts))
	for _, l := range layouts {
		positions := make([]string, 0, len(l.Positions))
		for _, p := range l.Positions {
			positions = append(positions, p.String())
		}
		infos = append(infos, LayoutInfo{
			Name:      l.Name,
			Channels:  l.Channels(),
			Mask:      fmt.Sprintf("0x%X", l.Mask()),
			Positions: positions,
		})
	}
	return infos
}

// ListRecordings lists the WAV files in the output directory, newest first
func (s *AtmosCaptureService) ListRecordings() ([]RecordingInfo, error) {
	recordingDir := s.GetConfig().Output.Directory

	files, err := os.ReadDir(recordingDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recordings []RecordingInfo
	for _, file := range files {
		if file.IsDir() || strings.ToLower(filepath.Ext(file.Name())) != ".wav" {
			continue
		}

		info, err := file.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", file.Name(), "error", err)
			continue
		}

		recordings = append(recordings, RecordingInfo{
			Name:         file.Name(),
			Path:         filepath.Join(recordingDir, file.Name()),
			Size:         info.Size(),
			SizeHuman:    FormatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})

	return recordings, nil
}

// LoadProfile loads a new configuration profile. It is refused while recording.
func (s *AtmosCaptureService) LoadProfile(profile string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.starting || (s.current != nil && !s.current.State().Terminal()) {
		return fmt.Errorf("%w: cannot switch profile while recording", audio.ErrAlreadyRecording)
	}

	newCfg, err := config.Load(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.cfg = newCfg
	slog.Info("Configuration profile loaded", "profile", newCfg.Profile)
	return nil
}

// GetConfig returns the current configuration
func (s *AtmosCaptureService) GetConfig() *config.Config {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cfg
}

// GetLastError returns the last error message
func (s *AtmosCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *AtmosCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

func (s *AtmosCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// DefaultOutputPath builds <dir>/<clean input name>.<layout>.wav
func DefaultOutputPath(dir, input string, layout audio.ChannelLayout) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	name := CleanFileName(base)
	if name == "" {
		name = "recording"
	}
	return filepath.Join(dir, name+"."+CleanFileName(layout.String())+".wav")
}

// CleanFileName keeps letters, digits, dots, hyphens and underscores and
// turns spaces into underscores
func CleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
