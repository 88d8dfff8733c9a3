package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/atmoscapture/internal/service"

	"github.com/spf13/cobra"
)

var layoutsCmd = &cobra.Command{
	Use:   "layouts",
	Short: "List the channel layouts recordings can target",
	Long: `List every named channel layout with its channel count, WAVE channel mask and
speaker positions in file order. Discrete layouts ("8c", "16c") are also accepted
and are written without a channel mask.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		layouts := service.ListLayouts()

		fmt.Printf("Channel layouts (%d)\n", len(layouts))
		fmt.Printf("═══════════════════════════════════════\n\n")
		for _, l := range layouts {
			fmt.Printf("  %-8s %2d ch  mask %-8s %s\n", l.Name, l.Channels, l.Mask, strings.Join(l.Positions, " "))
		}
		fmt.Printf("\nDefault target: %s\n", cfg.Recording.Layout)
		return nil
	},
}
