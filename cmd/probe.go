package cmd

import (
	"fmt"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/service"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <input>",
	Short: "List the audio tracks of a media file",
	Long: `Open a media file and list its audio tracks with their decoded format and the
format a recording to the target layout would produce, including how many
channels would be written as silence or dropped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, _ := cmd.Flags().GetString("layout")

		svc := service.New(cfg, cfgFile)
		result, err := svc.Probe(cmd.Context(), args[0], layout)
		if err != nil {
			return fmt.Errorf("probe failed: %w", err)
		}

		fmt.Printf("=== %s ===\n", result.Path)
		fmt.Printf("duration: %s\n", result.Duration.Round(time.Millisecond))
		fmt.Printf("target layout: %s\n", result.Layout)

		for _, t := range result.Tracks {
			fmt.Printf("\n[Track %d] stream %d, %s\n", t.Index, t.Stream, t.Codec)
			if t.Title != "" {
				fmt.Printf("  title: %s\n", t.Title)
			}
			if t.Language != "" {
				fmt.Printf("  language: %s\n", t.Language)
			}
			fmt.Printf("  duration: %s\n", t.Duration.Round(time.Millisecond))
			fmt.Printf("  source: %s\n", t.SourceFormat)
			if t.Error != "" {
				fmt.Printf("  target: not recordable (%s)\n", t.Error)
				continue
			}
			fmt.Printf("  target: %s\n", t.TargetFormat)
			fmt.Printf("  silent channels: %d, dropped channels: %d\n", t.Silent, t.Dropped)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().StringP("layout", "l", "", "target channel layout (default from config)")
}
