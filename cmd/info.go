package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/play"
	"github.com/audiolibrelab/atmoscapture/internal/service"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [input]",
	Short: "Show resolved configuration and the output path for an input",
	Long:  `Display the resolved configuration with inheritance indicators and, when an input is given, the file a recording of it would be written to. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			layout, err := audio.ParseLayout(cfg.Recording.Layout)
			if err != nil {
				return err
			}

			fmt.Printf("=== FILE PATHS ===\n")
			fmt.Printf("input: %s\n", args[0])
			fmt.Printf("output_wav: %s\n", service.DefaultOutputPath(cfg.Output.Directory, args[0], layout))
			fmt.Printf("\n")
		}

		fmt.Printf("=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Profile)
		fmt.Printf("config file: %s\n", configPath())

		inh := cfg.Inheritance

		fmt.Printf("\n[Recording]\n")
		fmt.Printf("layout: %s %s\n", cfg.Recording.Layout, getInheritanceIndicator(inh.Recording.Layout))
		fmt.Printf("bit_depth: %s %s\n", bitDepthString(cfg.Recording.BitDepth), getInheritanceIndicator(inh.Recording.BitDepth))
		fmt.Printf("track: %d %s\n", cfg.Recording.Track, getInheritanceIndicator(inh.Recording.Track))

		fmt.Printf("\n[Playback]\n")
		fmt.Printf("backend: %s %s\n", cfg.Playback.Backend, getInheritanceIndicator(inh.Playback.Backend))
		fmt.Printf("rate: %s %s\n", rateString(cfg.Playback.Rate), getInheritanceIndicator(inh.Playback.Rate))
		fmt.Printf("buffer_frames: %d %s\n", cfg.Playback.BufferFrames, getInheritanceIndicator(inh.Playback.BufferFrames))
		fmt.Printf("available: %s\n", backendList(play.AvailableBackends(cfg.FFmpeg.FFmpegPath)))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
		fmt.Printf("sync: %t %s\n", cfg.Output.SyncOutput(), getInheritanceIndicator(inh.Output.Sync))

		fmt.Printf("\n[FFmpeg]\n")
		fmt.Printf("ffmpeg_path: %s %s\n", cfg.FFmpeg.FFmpegPath, getInheritanceIndicator(inh.FFmpeg.FFmpegPath))
		fmt.Printf("ffprobe_path: %s %s\n", cfg.FFmpeg.FFprobePath, getInheritanceIndicator(inh.FFmpeg.FFprobePath))

		return nil
	},
}

func backendList(backends []play.Backend) string {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = string(b)
	}
	return strings.Join(names, ", ")
}

func bitDepthString(bits int) string {
	if bits == 0 {
		return "source"
	}
	return fmt.Sprintf("%d", bits)
}

func rateString(rate float64) string {
	if rate == 0 {
		return "unpaced"
	}
	return fmt.Sprintf("%gx", rate)
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}
