//go:build integration

package steps

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/config"
	"github.com/audiolibrelab/atmoscapture/internal/service"
	"github.com/audiolibrelab/atmoscapture/internal/session"
	"github.com/audiolibrelab/atmoscapture/internal/signal"

	"github.com/cucumber/godog"
)

const wavHeaderSize = 104

// recordingContext holds test state for recording scenarios
type recordingContext struct {
	dir       string
	input     string
	cfg       *config.Config
	svc       *service.AtmosCaptureService
	sess      *session.Session
	err       error
	secondErr error
}

// SharedRecordingContext is reset before each scenario via Before hook
var SharedRecordingContext *recordingContext

func getRecordingContext() *recordingContext {
	return SharedRecordingContext
}

func InitializeRecordingScenario(ctx *godog.ScenarioContext) {
	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		dir, err := os.MkdirTemp("", "atmoscapture-features-*")
		if err != nil {
			return c, err
		}
		cfg := config.Default()
		cfg.Output.Directory = filepath.Join(dir, "recordings")
		cfg.Playback.Rate = 0
		SharedRecordingContext = &recordingContext{dir: dir, cfg: cfg}
		return c, nil
	})

	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		rc := getRecordingContext()
		if rc.sess != nil {
			rc.sess.Stop()
		}
		os.RemoveAll(rc.dir)
		return c, nil
	})

	ctx.Step(`^a (\S+) test signal of (\d+) (milliseconds|seconds)$`, aTestSignal)
	ctx.Step(`^real-time playback$`, realTimePlayback)
	ctx.Step(`^I record it to layout "([^"]*)"$`, iRecordItToLayout)
	ctx.Step(`^I record track (\d+) to layout "([^"]*)"$`, iRecordTrackToLayout)
	ctx.Step(`^I start another recording$`, iStartAnotherRecording)
	ctx.Step(`^I stop the recording once frames have been written$`, iStopTheRecordingOnceFramesHaveBeenWritten)
	ctx.Step(`^the recording completes$`, theRecordingCompletes)
	ctx.Step(`^the recording fails with "([^"]*)"$`, theRecordingFailsWith)
	ctx.Step(`^the second recording fails with "([^"]*)"$`, theSecondRecordingFailsWith)
	ctx.Step(`^the output has (\d+) channels and channel mask (0x[0-9A-Fa-f]+)$`, theOutputHasChannelsAndMask)
	ctx.Step(`^the output holds (\d+) frames$`, theOutputHoldsFrames)
	ctx.Step(`^(\d+) channels are written as silence$`, channelsAreWrittenAsSilence)
	ctx.Step(`^the output header matches its data size$`, theOutputHeaderMatchesItsDataSize)
	ctx.Step(`^no partial file remains$`, noPartialFileRemains)
	ctx.Step(`^no output file exists$`, noOutputFileExists)
}

func aTestSignal(layoutName string, amount int, unit string) error {
	rc := getRecordingContext()
	layout, err := audio.ParseLayout(layoutName)
	if err != nil {
		return err
	}

	d := time.Duration(amount) * time.Millisecond
	if unit == "seconds" {
		d = time.Duration(amount) * time.Second
	}

	rc.input = filepath.Join(rc.dir, "signal."+layoutName+".wav")
	return signal.WriteFile(rc.input, layout, signal.WithDuration(d))
}

func realTimePlayback() error {
	getRecordingContext().cfg.Playback.Rate = 1
	return nil
}

func (rc *recordingContext) record(req service.RecordRequest) error {
	if rc.svc == nil {
		rc.svc = service.New(rc.cfg, "")
	}
	req.InputPath = rc.input
	rc.sess, rc.err = rc.svc.Record(context.Background(), req)
	return nil
}

func iRecordItToLayout(layout string) error {
	return getRecordingContext().record(service.RecordRequest{Layout: layout})
}

func iRecordTrackToLayout(track int, layout string) error {
	return getRecordingContext().record(service.RecordRequest{Layout: layout, Track: &track})
}

func iStartAnotherRecording() error {
	rc := getRecordingContext()
	_, rc.secondErr = rc.svc.Record(context.Background(), service.RecordRequest{InputPath: rc.input})
	return nil
}

func iStopTheRecordingOnceFramesHaveBeenWritten() error {
	rc := getRecordingContext()
	if rc.sess == nil {
		return fmt.Errorf("no session: %v", rc.err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for rc.sess.Info().Frames == 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("no frames written after 5s (state %s)", rc.sess.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	return rc.svc.Stop()
}

func theRecordingCompletes() error {
	rc := getRecordingContext()
	if rc.err != nil {
		return fmt.Errorf("recording did not start: %w", rc.err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rc.sess.Wait(ctx); err != nil {
		return err
	}
	if err := rc.sess.Err(); err != nil {
		return fmt.Errorf("recording failed: %w", err)
	}
	if state := rc.sess.State(); state != session.StateCompleted {
		return fmt.Errorf("expected state %s, got %s", session.StateCompleted, state)
	}
	return nil
}

func theRecordingFailsWith(kind string) error {
	rc := getRecordingContext()
	err := rc.err
	if err == nil && rc.sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rc.sess.Wait(ctx)
		err = rc.sess.Err()
	}
	if got := audio.ErrorKind(err); got != kind {
		return fmt.Errorf("expected error kind %q, got %q (%v)", kind, got, err)
	}
	return nil
}

func theSecondRecordingFailsWith(kind string) error {
	rc := getRecordingContext()
	if got := audio.ErrorKind(rc.secondErr); got != kind {
		return fmt.Errorf("expected error kind %q, got %q (%v)", kind, got, rc.secondErr)
	}
	return nil
}

func (rc *recordingContext) outputHeader() ([]byte, int64, error) {
	path := rc.sess.Info().OutputFile
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	h := make([]byte, wavHeaderSize)
	if _, err := f.ReadAt(h, 0); err != nil {
		return nil, 0, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%s is not a RIFF/WAVE file", path)
	}
	return h, info.Size(), nil
}

func theOutputHasChannelsAndMask(channels int, mask string) error {
	h, _, err := getRecordingContext().outputHeader()
	if err != nil {
		return err
	}

	le := binary.LittleEndian
	if got := int(le.Uint16(h[58:])); got != channels {
		return fmt.Errorf("expected %d channels, got %d", channels, got)
	}
	if got := fmt.Sprintf("0x%X", le.Uint32(h[76:])); !strings.EqualFold(got, mask) {
		return fmt.Errorf("expected channel mask %s, got %s", mask, got)
	}
	return nil
}

func theOutputHoldsFrames(frames int) error {
	rc := getRecordingContext()
	h, _, err := rc.outputHeader()
	if err != nil {
		return err
	}

	le := binary.LittleEndian
	blockAlign := int(le.Uint16(h[68:]))
	dataSize := int(le.Uint32(h[100:]))
	if got := dataSize / blockAlign; got != frames {
		return fmt.Errorf("expected %d frames, got %d", frames, got)
	}
	if got := rc.sess.Info().Frames; got != int64(frames) {
		return fmt.Errorf("session reports %d frames, expected %d", got, frames)
	}
	return nil
}

func channelsAreWrittenAsSilence(n int) error {
	if got := getRecordingContext().sess.Info().SilentCount; got != n {
		return fmt.Errorf("expected %d silent channels, got %d", n, got)
	}
	return nil
}

func theOutputHeaderMatchesItsDataSize() error {
	h, size, err := getRecordingContext().outputHeader()
	if err != nil {
		return err
	}

	le := binary.LittleEndian
	dataSize := int64(le.Uint32(h[100:]))
	pad := dataSize & 1
	if size != wavHeaderSize+dataSize+pad {
		return fmt.Errorf("file is %d bytes but header declares %d bytes of data", size, dataSize)
	}
	if riff := int64(le.Uint32(h[4:])); riff != size-8 {
		return fmt.Errorf("RIFF size %d does not match file size %d", riff, size)
	}
	if dataSize%int64(le.Uint16(h[68:])) != 0 {
		return fmt.Errorf("data size %d is not a whole number of frames", dataSize)
	}
	return nil
}

func noPartialFileRemains() error {
	rc := getRecordingContext()
	matches, err := filepath.Glob(filepath.Join(rc.cfg.Output.Directory, "*.part"))
	if err != nil {
		return err
	}
	if len(matches) > 0 {
		return fmt.Errorf("partial files left behind: %v", matches)
	}
	return nil
}

func noOutputFileExists() error {
	rc := getRecordingContext()
	entries, err := os.ReadDir(rc.cfg.Output.Directory)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("expected no output, found %d files", len(entries))
	}
	return nil
}
