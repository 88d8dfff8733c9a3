package cmd

import (
	"fmt"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/signal"

	"github.com/spf13/cobra"
)

var testSignalCmd = &cobra.Command{
	Use:   "testsignal <out.wav>",
	Short: "Write a channel-identification test WAV",
	Long: `Write a WAV file where every channel carries its own sine tone (220 Hz on the
first channel, 440 Hz on the second and so on). Recording it to another layout
shows which source channel landed where.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		layoutName, _ := cmd.Flags().GetString("layout")
		duration, _ := cmd.Flags().GetDuration("duration")
		rate, _ := cmd.Flags().GetInt("sample-rate")
		bits, _ := cmd.Flags().GetInt("bit-depth")

		layout, err := audio.ParseLayout(layoutName)
		if err != nil {
			return err
		}

		if err := signal.WriteFile(args[0], layout,
			signal.WithDuration(duration),
			signal.WithSampleRate(rate),
			signal.WithBitDepth(bits)); err != nil {
			return err
		}

		fmt.Printf("Wrote %s (%s, %d channels)\n", args[0], layout, layout.Channels())
		for i := 0; i < layout.Channels(); i++ {
			label := fmt.Sprintf("ch%d", i)
			if !layout.IsDiscrete() {
				label = layout.Positions[i].String()
			}
			fmt.Printf("  %2d %-4s %6.0f Hz\n", i, label, signal.ToneFrequency(i))
		}
		return nil
	},
}

func init() {
	testSignalCmd.Flags().StringP("layout", "l", "5.1", "channel layout of the test file")
	testSignalCmd.Flags().DurationP("duration", "d", 10*time.Second, "length of the test signal")
	testSignalCmd.Flags().Int("sample-rate", 48000, "sample rate")
	testSignalCmd.Flags().Int("bit-depth", 16, "bit depth: 16, 24 or 32")
}
