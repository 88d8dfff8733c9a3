package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/atmoscapture/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

// Commands that never read the config file
var configFree = map[string]bool{
	"layouts":    true,
	"testsignal": true,
	"help":       true,
	"completion": true,
}

var rootCmd = &cobra.Command{
	Use:   "atmoscapture",
	Short: "Record the decoded audio of media files to multichannel WAV",
	Long: `AtmosCapture plays a media file internally and records the decoded audio of one
track to a multichannel WAV file in a chosen channel layout (7.1.4 by default).

Channels missing from the source are written as silence, channels the target
layout lacks are dropped. The output is WAVE_FORMAT_EXTENSIBLE with a channel
mask matching the target layout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		if configFree[cmd.Name()] {
			cfg = config.Default()
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "profile", cfg.Profile, "config", configPath())
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/atmoscapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output")

	// Add subcommands
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(layoutsCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testSignalCmd)
	rootCmd.AddCommand(serveCmd)
}

// configPath returns the config file in use
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch {
	case level <= 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Level 2 lets ffmpeg report its own progress on stderr
	if level >= 2 {
		os.Setenv("FFMPEG_LOGLEVEL", "info")
	}
}
