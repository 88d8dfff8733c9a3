package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	validConfig := `
active_config: test

ffmpeg:
  ffmpeg_path: /usr/local/bin/ffmpeg

configs:
  default:
    recording:
      layout: atmos
    output:
      directory: ~/Audio/Test
  test:
    recording:
      layout: 7.1
      bit_depth: 24
      track: 1
    playback:
      backend: ffmpeg
      rate: 2.5
      buffer_frames: 4096
`

	configFile := createTempConfig(t, validConfig)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if rootConfig.ActiveConfig != "test" {
		t.Errorf("Expected active config 'test', got %s", rootConfig.ActiveConfig)
	}
	if len(rootConfig.Configs) != 2 {
		t.Errorf("Expected 2 profiles, got %d", len(rootConfig.Configs))
	}

	testConfig := rootConfig.Configs["test"]
	if testConfig == nil {
		t.Fatal("Expected test config")
	}
	if testConfig.Recording.BitDepth == nil || *testConfig.Recording.BitDepth != 24 {
		t.Errorf("Expected bit depth 24, got %v", testConfig.Recording.BitDepth)
	}
	if testConfig.Playback.Rate == nil || *testConfig.Playback.Rate != 2.5 {
		t.Errorf("Expected rate 2.5, got %v", testConfig.Playback.Rate)
	}
	if rootConfig.FFmpeg == nil || rootConfig.FFmpeg.FFmpegPath != "/usr/local/bin/ffmpeg" {
		t.Errorf("Expected global ffmpeg path, got %+v", rootConfig.FFmpeg)
	}

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to resolve profile: %v", err)
	}
	if cfg.FFmpeg.FFmpegPath != "/usr/local/bin/ffmpeg" {
		t.Errorf("Expected global ffmpeg path to apply, got %s", cfg.FFmpeg.FFmpegPath)
	}
	if cfg.Inheritance.FFmpeg.FFmpegPath != "inherited" {
		t.Errorf("Expected ffmpeg path to be inherited, got %s", cfg.Inheritance.FFmpeg.FFmpegPath)
	}
	homeDir, _ := os.UserHomeDir()
	if cfg.Output.Directory != filepath.Join(homeDir, "Audio", "Test") {
		t.Errorf("Expected expanded directory, got %s", cfg.Output.Directory)
	}
}

func TestValidateConfigurationFormat_InvalidProfiles(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		wantErr string
	}{
		{
			name:    "unknown layout",
			profile: "recording:\n      layout: 9.2.6",
			wantErr: "recording.layout",
		},
		{
			name:    "bad bit depth",
			profile: "recording:\n      bit_depth: 20",
			wantErr: "bit_depth",
		},
		{
			name:    "negative track",
			profile: "recording:\n      track: -1",
			wantErr: "recording.track",
		},
		{
			name:    "unknown backend",
			profile: "playback:\n      backend: pipewire",
			wantErr: "playback.backend",
		},
		{
			name:    "negative rate",
			profile: "playback:\n      rate: -1",
			wantErr: "playback.rate",
		},
		{
			name:    "rate too high",
			profile: "playback:\n      rate: 100",
			wantErr: "playback.rate",
		},
		{
			name:    "tiny buffer",
			profile: "playback:\n      buffer_frames: 8",
			wantErr: "buffer_frames",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := createTempConfig(t, "configs:\n  broken:\n    "+tt.profile+"\n")

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
			if !strings.Contains(err.Error(), "broken") {
				t.Errorf("Expected error to name the profile, got: %v", err)
			}
		})
	}
}

func TestValidateConfigurationFormat_ActiveConfigMustExist(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: missing
configs:
  default:
    recording:
      layout: stereo
`)

	if _, err := ValidateConfigurationFormat(configFile); err == nil {
		t.Error("Expected error for active_config naming an unknown profile")
	}
}

func TestValidateConfigurationFormat_EnvironmentOverride(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
configs:
  default:
    recording:
      layout: stereo
  cinema:
    recording:
      layout: 7.1
`)
	t.Setenv("ATMOSCAPTURE_ACTIVE_CONFIG", "cinema")

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Profile != "cinema" || cfg.Recording.Layout != "7.1" {
		t.Errorf("Expected environment to select cinema, got %s (%s)", cfg.Profile, cfg.Recording.Layout)
	}
}

func TestValidateConfigurationFormat_MissingFile(t *testing.T) {
	_, err := ValidateConfigurationFormat(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("Expected error for missing file")
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()

	configFile := filepath.Join(t.TempDir(), "atmoscapture.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return configFile
}
