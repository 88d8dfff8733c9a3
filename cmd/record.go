package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/service"
	"github.com/audiolibrelab/atmoscapture/internal/session"
	"github.com/audiolibrelab/atmoscapture/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record <input>",
	Short: "Record the audio of a media file to a multichannel WAV",
	Long: `Play a media file internally and record the decoded audio of one track to a
WAV file in the target channel layout. The recording ends at the end of the
track or when interrupted (q or Ctrl+C); either way the file is finalized.

Without -o the file is written to the configured output directory as
<input name>.<layout>.wav.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output WAV file (default <output dir>/<input>.<layout>.wav)")
	recordCmd.Flags().StringP("layout", "l", "", "target channel layout (overrides config)")
	recordCmd.Flags().IntP("track", "t", -1, "audio track to record (overrides config)")
	recordCmd.Flags().Int("bit-depth", -1, "output bit depth 16, 24 or 32, 0 keeps the source depth (overrides config)")
	recordCmd.Flags().Float64("rate", -1, "playback rate: 1 real time, 0 as fast as possible (overrides config)")
	recordCmd.Flags().String("backend", "", "decoder backend: auto, wav or ffmpeg (overrides config)")
	recordCmd.Flags().BoolP("interactive", "i", false, "choose the layout and track interactively")
	recordCmd.Flags().Bool("no-tui", false, "log progress instead of showing the progress view")
}

func runRecord(cmd *cobra.Command, args []string) error {
	input := args[0]
	slog.Info("Record command started", "input", input, "profile", cfg.Profile)

	req := service.RecordRequest{InputPath: input}
	req.OutputPath, _ = cmd.Flags().GetString("output")
	req.Layout, _ = cmd.Flags().GetString("layout")
	req.Backend, _ = cmd.Flags().GetString("backend")
	if track, _ := cmd.Flags().GetInt("track"); track >= 0 {
		req.Track = &track
	}
	if bits, _ := cmd.Flags().GetInt("bit-depth"); bits >= 0 {
		req.BitDepth = &bits
	}
	if rate, _ := cmd.Flags().GetFloat64("rate"); rate >= 0 {
		req.Rate = &rate
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := service.New(cfg, cfgFile)

	if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
		if err := chooseInteractively(ctx, svc, &req, DefaultPrompter); err != nil {
			return err
		}
	}

	sess, err := svc.Record(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	noTUI, _ := cmd.Flags().GetBool("no-tui")
	if !noTUI && isatty.IsTerminal(os.Stdout.Fd()) {
		err = followTUI(ctx, sess)
	} else {
		err = followLog(ctx, sess)
	}
	if err != nil {
		return fmt.Errorf("recording failed: %w", err)
	}

	info := sess.Info()
	fmt.Printf("Recorded %s\n", info.OutputFile)
	fmt.Printf("  %s -> %s, %d frames, %s\n", info.SourceFormat, info.TargetFormat, info.Frames, service.FormatBytes(info.Bytes))
	return nil
}

// followTUI shows the progress view until the session is done. SIGTERM
// stops the session, Ctrl+C reaches the view as a key press.
func followTUI(ctx context.Context, sess *session.Session) error {
	go func() {
		select {
		case <-ctx.Done():
			sess.Stop()
		case <-sess.Done():
		}
	}()

	if _, err := tea.NewProgram(ui.NewModel(sess)).Run(); err != nil {
		slog.Warn("Progress view failed, stopping recording", "error", err)
		sess.Stop()
	}
	<-sess.Done()
	return sess.Err()
}

// followLog logs progress about once a second until the session is done
func followLog(ctx context.Context, sess *session.Session) error {
	slog.Info("Recording... Press Ctrl+C to stop")

	progress := sess.Progress()
	var last time.Time
	for {
		select {
		case <-sess.Done():
			return sess.Err()

		case <-ctx.Done():
			slog.Info("Stopping recording...")
			sess.Stop()
			return sess.Err()

		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if time.Since(last) < time.Second {
				continue
			}
			last = time.Now()
			slog.Info("Recording progress",
				"percent", fmt.Sprintf("%.1f", p.Fraction*100),
				"position", p.Current.Round(time.Second),
				"duration", p.Total.Round(time.Second))
		}
	}
}

// chooseInteractively asks for the layout and, for multi-track inputs, the track
func chooseInteractively(ctx context.Context, svc service.Service, req *service.RecordRequest, prompter Prompter) error {
	current := req.Layout
	if current == "" {
		current = svc.GetConfig().Recording.Layout
	}

	layouts := svc.Layouts()
	names := make([]string, len(layouts))
	defaultIndex := 0
	for i, l := range layouts {
		names[i] = fmt.Sprintf("%s (%d ch)", l.Name, l.Channels)
		if l.Name == current {
			defaultIndex = i
		}
	}

	index, err := prompter.Select("Target channel layout:", names, defaultIndex)
	if err != nil {
		return fmt.Errorf("layout selection cancelled: %w", err)
	}
	req.Layout = layouts[index].Name

	probe, err := svc.Probe(ctx, req.InputPath, req.Layout)
	if err != nil {
		return err
	}
	if len(probe.Tracks) > 1 {
		tracks := make([]string, len(probe.Tracks))
		for i, t := range probe.Tracks {
			tracks[i] = describeTrack(t)
		}
		defaultTrack := svc.GetConfig().Recording.Track
		if req.Track != nil {
			defaultTrack = *req.Track
		}
		track, err := prompter.Select("Audio track:", tracks, min(max(defaultTrack, 0), len(tracks)-1))
		if err != nil {
			return fmt.Errorf("track selection cancelled: %w", err)
		}
		req.Track = &track
	}

	output := req.OutputPath
	if output == "" {
		layout, err := audio.ParseLayout(req.Layout)
		if err != nil {
			return err
		}
		output = service.DefaultOutputPath(svc.GetConfig().Output.Directory, req.InputPath, layout)
	}
	if _, err := os.Stat(output); err == nil {
		overwrite, err := prompter.Confirm(fmt.Sprintf("%s exists. Overwrite?", output), false)
		if err != nil {
			return fmt.Errorf("overwrite confirmation cancelled: %w", err)
		}
		if !overwrite {
			return fmt.Errorf("not overwriting %s", output)
		}
	}
	return nil
}

func describeTrack(t service.TrackProbe) string {
	desc := fmt.Sprintf("%d: %s %s", t.Index, t.Codec, t.SourceFormat)
	if t.Language != "" {
		desc += " [" + t.Language + "]"
	}
	if t.Title != "" {
		desc += " " + t.Title
	}
	return desc
}
