package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/play"
)

const (
	inherited       = "inherited"
	profileSpecific = "profile-specific"

	// MaxRate bounds the playback rate accepted in config and on the command line
	MaxRate = 16.0
)

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	FFmpeg       *FFmpegConfig             `mapstructure:"ffmpeg,omitempty" yaml:"ffmpeg,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// Config is a resolved profile ready to drive a recording
type Config struct {
	Profile   string          `mapstructure:"-" yaml:"profile"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Playback  PlaybackConfig  `mapstructure:"playback" yaml:"playback"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg" yaml:"ffmpeg"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// ConfigProfile is a profile as written in the config file. Pointer fields
// distinguish "not set" from an explicit zero.
type ConfigProfile struct {
	Recording RecordingProfile `mapstructure:"recording" yaml:"recording"`
	Playback  PlaybackProfile  `mapstructure:"playback" yaml:"playback"`
	Output    OutputConfig     `mapstructure:"output" yaml:"output"`
	FFmpeg    FFmpegConfig     `mapstructure:"ffmpeg" yaml:"ffmpeg"`
}

type RecordingConfig struct {
	Layout   string `mapstructure:"layout" yaml:"layout"`
	BitDepth int    `mapstructure:"bit_depth" yaml:"bit_depth"` // 0 keeps the source depth
	Track    int    `mapstructure:"track" yaml:"track"`
}

type RecordingProfile struct {
	Layout   string `mapstructure:"layout" yaml:"layout"`
	BitDepth *int   `mapstructure:"bit_depth" yaml:"bit_depth,omitempty"`
	Track    *int   `mapstructure:"track" yaml:"track,omitempty"`
}

type PlaybackConfig struct {
	Backend      string  `mapstructure:"backend" yaml:"backend"` // "auto", "wav", "ffmpeg"
	Rate         float64 `mapstructure:"rate" yaml:"rate"`       // 1.0 real time, 0 unpaced
	BufferFrames int     `mapstructure:"buffer_frames" yaml:"buffer_frames"`
}

type PlaybackProfile struct {
	Backend      string   `mapstructure:"backend" yaml:"backend"`
	Rate         *float64 `mapstructure:"rate" yaml:"rate,omitempty"`
	BufferFrames int      `mapstructure:"buffer_frames" yaml:"buffer_frames"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Sync      *bool  `mapstructure:"sync" yaml:"sync,omitempty"` // fsync before the final rename
}

type FFmpegConfig struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
}

type InheritanceInfo struct {
	Recording struct {
		Layout   string // "inherited" or "profile-specific"
		BitDepth string
		Track    string
	}
	Playback struct {
		Backend      string
		Rate         string
		BufferFrames string
	}
	Output struct {
		Directory string
		Sync      string
	}
	FFmpeg struct {
		FFmpegPath  string
		FFprobePath string
	}
}

// SyncOutput reports whether recordings are fsynced before being renamed into place
func (o OutputConfig) SyncOutput() bool {
	return o.Sync == nil || *o.Sync
}

var defaultConfig = Config{
	Profile: "default",
	Recording: RecordingConfig{
		Layout: "7.1.4",
	},
	Playback: PlaybackConfig{
		Backend:      "auto",
		Rate:         1.0,
		BufferFrames: play.DefaultFramesPerBuffer,
	},
	Output: OutputConfig{
		Directory: filepath.Join("~", "Audio", "AtmosCapture"),
	},
	FFmpeg: FFmpegConfig{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
	},
}

// DefaultConfigPath returns $HOME/.config/atmoscapture.yaml
func DefaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/atmoscapture.yaml")
}

// Default returns the built-in configuration used when no config file exists
func Default() *Config {
	c := defaultConfig
	c.Output.Directory = expandPath(c.Output.Directory)
	c.Inheritance = allInherited()
	return &c
}

// Load resolves profile from configFile. An empty configFile means the default
// path, and a missing default file yields the built-in defaults. A file given
// explicitly must exist.
func Load(configFile, profile string) (*Config, error) {
	if configFile == "" {
		configFile = DefaultConfigPath()
		if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
			if profile != "" && profile != "default" {
				return nil, fmt.Errorf("configuration profile '%s' not found: no config file at %s", profile, configFile)
			}
			return Default(), nil
		}
	}
	return LoadWithProfile(configFile, profile)
}

// LoadWithProfile reads configFile and resolves the named profile, falling back
// to active_config and then "default".
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		if configName != "default" {
			return nil, fmt.Errorf("configuration profile '%s' not found", configName)
		}
		selectedProfile = &ConfigProfile{}
	}

	// Built-in defaults, then the file's default profile, then the selected one
	base := profileFromConfig(&defaultConfig)
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base = mergeProfiles(base, defaultProfile)
		}
	}
	if rootConfig.FFmpeg != nil {
		base.FFmpeg = overlayFFmpeg(base.FFmpeg, *rootConfig.FFmpeg)
	}

	selectedConfig := mergeConfigs(resolve(base), selectedProfile)
	selectedConfig.Profile = configName

	// Global output directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.Directory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.Directory
		selectedConfig.Inheritance.Output.Directory = inherited
	}

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with other readers
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	configs := v.GetStringMap("configs")
	if _, ok := configs[newActiveConfig]; !ok && newActiveConfig != "default" {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ListProfiles returns the profile names defined in configFile
func ListProfiles(configFile string) (active string, names []string, err error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return "", nil, err
	}
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	return rootConfig.ActiveConfig, names, nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("ATMOSCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			rootConfig.Configs[configName] = &ConfigProfile{}
			continue
		}
		if err := validateProfile(configProfile); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	if rootConfig.ActiveConfig != "" && rootConfig.ActiveConfig != "default" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}

// profileFromConfig turns a resolved config back into a fully specified profile
func profileFromConfig(c *Config) *ConfigProfile {
	bitDepth, track, rate := c.Recording.BitDepth, c.Recording.Track, c.Playback.Rate
	return &ConfigProfile{
		Recording: RecordingProfile{Layout: c.Recording.Layout, BitDepth: &bitDepth, Track: &track},
		Playback:  PlaybackProfile{Backend: c.Playback.Backend, Rate: &rate, BufferFrames: c.Playback.BufferFrames},
		Output:    c.Output,
		FFmpeg:    c.FFmpeg,
	}
}

// mergeProfiles overlays the fields set in profile onto base
func mergeProfiles(base, profile *ConfigProfile) *ConfigProfile {
	merged := *base
	if profile == nil {
		return &merged
	}
	if profile.Recording.Layout != "" {
		merged.Recording.Layout = profile.Recording.Layout
	}
	if profile.Recording.BitDepth != nil {
		merged.Recording.BitDepth = profile.Recording.BitDepth
	}
	if profile.Recording.Track != nil {
		merged.Recording.Track = profile.Recording.Track
	}
	if profile.Playback.Backend != "" {
		merged.Playback.Backend = profile.Playback.Backend
	}
	if profile.Playback.Rate != nil {
		merged.Playback.Rate = profile.Playback.Rate
	}
	if profile.Playback.BufferFrames != 0 {
		merged.Playback.BufferFrames = profile.Playback.BufferFrames
	}
	if profile.Output.Directory != "" {
		merged.Output.Directory = profile.Output.Directory
	}
	if profile.Output.Sync != nil {
		merged.Output.Sync = profile.Output.Sync
	}
	merged.FFmpeg = overlayFFmpeg(merged.FFmpeg, profile.FFmpeg)
	return &merged
}

func overlayFFmpeg(base, over FFmpegConfig) FFmpegConfig {
	if over.FFmpegPath != "" {
		base.FFmpegPath = over.FFmpegPath
	}
	if over.FFprobePath != "" {
		base.FFprobePath = over.FFprobePath
	}
	return base
}

// resolve turns a fully specified profile into a Config
func resolve(p *ConfigProfile) *Config {
	c := &Config{
		Recording: RecordingConfig{Layout: p.Recording.Layout},
		Playback:  PlaybackConfig{Backend: p.Playback.Backend, BufferFrames: p.Playback.BufferFrames},
		Output:    p.Output,
		FFmpeg:    p.FFmpeg,
	}
	if p.Recording.BitDepth != nil {
		c.Recording.BitDepth = *p.Recording.BitDepth
	}
	if p.Recording.Track != nil {
		c.Recording.Track = *p.Recording.Track
	}
	if p.Playback.Rate != nil {
		c.Playback.Rate = *p.Playback.Rate
	}
	return c
}

// mergeConfigs applies profile on top of base, recording for each setting
// whether it came from the profile or was inherited.
func mergeConfigs(base *Config, profile *ConfigProfile) *Config {
	result := &Config{Inheritance: allInherited()}
	if base != nil {
		result.Recording = base.Recording
		result.Playback = base.Playback
		result.Output = base.Output
		result.FFmpeg = base.FFmpeg
	}

	if profile == nil {
		return result
	}

	inh := result.Inheritance
	if profile.Recording.Layout != "" {
		result.Recording.Layout = profile.Recording.Layout
		inh.Recording.Layout = profileSpecific
	}
	if profile.Recording.BitDepth != nil {
		result.Recording.BitDepth = *profile.Recording.BitDepth
		inh.Recording.BitDepth = profileSpecific
	}
	if profile.Recording.Track != nil {
		result.Recording.Track = *profile.Recording.Track
		inh.Recording.Track = profileSpecific
	}
	if profile.Playback.Backend != "" {
		result.Playback.Backend = profile.Playback.Backend
		inh.Playback.Backend = profileSpecific
	}
	if profile.Playback.Rate != nil {
		result.Playback.Rate = *profile.Playback.Rate
		inh.Playback.Rate = profileSpecific
	}
	if profile.Playback.BufferFrames != 0 {
		result.Playback.BufferFrames = profile.Playback.BufferFrames
		inh.Playback.BufferFrames = profileSpecific
	}
	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		inh.Output.Directory = profileSpecific
	}
	if profile.Output.Sync != nil {
		result.Output.Sync = profile.Output.Sync
		inh.Output.Sync = profileSpecific
	}
	if profile.FFmpeg.FFmpegPath != "" {
		result.FFmpeg.FFmpegPath = profile.FFmpeg.FFmpegPath
		inh.FFmpeg.FFmpegPath = profileSpecific
	}
	if profile.FFmpeg.FFprobePath != "" {
		result.FFmpeg.FFprobePath = profile.FFmpeg.FFprobePath
		inh.FFmpeg.FFprobePath = profileSpecific
	}

	return result
}

func allInherited() *InheritanceInfo {
	inh := &InheritanceInfo{}
	inh.Recording.Layout = inherited
	inh.Recording.BitDepth = inherited
	inh.Recording.Track = inherited
	inh.Playback.Backend = inherited
	inh.Playback.Rate = inherited
	inh.Playback.BufferFrames = inherited
	inh.Output.Directory = inherited
	inh.Output.Sync = inherited
	inh.FFmpeg.FFmpegPath = inherited
	inh.FFmpeg.FFprobePath = inherited
	return inh
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// validateProfile checks the fields a profile sets
func validateProfile(p *ConfigProfile) error {
	if p.Recording.Layout != "" {
		if _, err := audio.ParseLayout(p.Recording.Layout); err != nil {
			return fmt.Errorf("recording.layout: %w", err)
		}
	}
	if p.Recording.BitDepth != nil {
		if err := validateBitDepth(*p.Recording.BitDepth); err != nil {
			return err
		}
	}
	if p.Recording.Track != nil && *p.Recording.Track < 0 {
		return fmt.Errorf("recording.track must be >= 0, got: %d", *p.Recording.Track)
	}
	if p.Playback.Backend != "" {
		if _, err := play.ParseBackend(p.Playback.Backend); err != nil {
			return fmt.Errorf("playback.backend: %w", err)
		}
	}
	if p.Playback.Rate != nil {
		if err := ValidateRate(*p.Playback.Rate); err != nil {
			return err
		}
	}
	if p.Playback.BufferFrames != 0 {
		if err := validateBufferFrames(p.Playback.BufferFrames); err != nil {
			return err
		}
	}
	return nil
}

// validateConfig checks a resolved config
func validateConfig(c *Config) error {
	if _, err := audio.ParseLayout(c.Recording.Layout); err != nil {
		return fmt.Errorf("recording.layout: %w", err)
	}
	if err := validateBitDepth(c.Recording.BitDepth); err != nil {
		return err
	}
	if c.Recording.Track < 0 {
		return fmt.Errorf("recording.track must be >= 0, got: %d", c.Recording.Track)
	}
	if _, err := play.ParseBackend(c.Playback.Backend); err != nil {
		return fmt.Errorf("playback.backend: %w", err)
	}
	if err := ValidateRate(c.Playback.Rate); err != nil {
		return err
	}
	if err := validateBufferFrames(c.Playback.BufferFrames); err != nil {
		return err
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.FFmpeg.FFmpegPath == "" || c.FFmpeg.FFprobePath == "" {
		return fmt.Errorf("ffmpeg.ffmpeg_path and ffmpeg.ffprobe_path cannot be empty")
	}
	return nil
}

func validateBitDepth(bits int) error {
	switch bits {
	case 0, 16, 24, 32:
		return nil
	}
	return fmt.Errorf("recording.bit_depth must be 0, 16, 24 or 32, got: %d", bits)
}

// ValidateRate checks a playback rate: 0 means unpaced
func ValidateRate(rate float64) error {
	if rate < 0 || rate > MaxRate {
		return fmt.Errorf("playback.rate must be between 0 and %g, got: %g", MaxRate, rate)
	}
	return nil
}

func validateBufferFrames(frames int) error {
	if frames < 64 || frames > 65536 {
		return fmt.Errorf("playback.buffer_frames must be between 64 and 65536, got: %d", frames)
	}
	return nil
}
