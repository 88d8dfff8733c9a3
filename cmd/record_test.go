package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/config"
	"github.com/audiolibrelab/atmoscapture/internal/play"
	"github.com/audiolibrelab/atmoscapture/internal/service"
	"github.com/audiolibrelab/atmoscapture/internal/signal"
)

// mockPrompter answers prompts from canned values and records the questions
type mockPrompter struct {
	selections []string
	confirm    bool
	asked      []string
}

func (m *mockPrompter) Select(message string, options []string, defaultIndex int) (int, error) {
	m.asked = append(m.asked, message)
	want := m.selections[0]
	m.selections = m.selections[1:]
	for i, o := range options {
		if o == want {
			return i, nil
		}
	}
	return defaultIndex, nil
}

func (m *mockPrompter) Confirm(message string, defaultValue bool) (bool, error) {
	m.asked = append(m.asked, message)
	return m.confirm, nil
}

func newTestService(t *testing.T) (*service.AtmosCaptureService, string) {
	t.Helper()
	input := filepath.Join(t.TempDir(), "ident.wav")
	require.NoError(t, signal.WriteFile(input, audio.LayoutStereo, signal.WithDuration(50*time.Millisecond)))

	c := config.Default()
	c.Output.Directory = t.TempDir()
	return service.New(c, ""), input
}

func TestChooseInteractivelySelectsLayout(t *testing.T) {
	svc, input := newTestService(t)
	prompter := &mockPrompter{selections: []string{"5.1 (6 ch)"}}

	req := service.RecordRequest{InputPath: input}
	require.NoError(t, chooseInteractively(context.Background(), svc, &req, prompter))

	assert.Equal(t, "5.1", req.Layout)
	assert.Nil(t, req.Track, "a single-track input asks no track question")
	assert.Equal(t, []string{"Target channel layout:"}, prompter.asked)
}

func TestChooseInteractivelyConfirmsOverwrite(t *testing.T) {
	svc, input := newTestService(t)
	existing := service.DefaultOutputPath(svc.GetConfig().Output.Directory, input, audio.Layout7_1_4)
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0644))

	prompter := &mockPrompter{selections: []string{"7.1.4 (12 ch)"}}
	req := service.RecordRequest{InputPath: input}
	err := chooseInteractively(context.Background(), svc, &req, prompter)
	assert.ErrorContains(t, err, "not overwriting")
	assert.Len(t, prompter.asked, 2)

	prompter = &mockPrompter{selections: []string{"7.1.4 (12 ch)"}, confirm: true}
	assert.NoError(t, chooseInteractively(context.Background(), svc, &req, prompter))
}

func TestDescribeTrack(t *testing.T) {
	track := service.TrackProbe{
		Track:        play.Track{Index: 1, Codec: "eac3", Language: "eng", Title: "Atmos"},
		SourceFormat: "48000 Hz s16 7.1 (8 ch)",
	}
	assert.Equal(t, "1: eac3 48000 Hz s16 7.1 (8 ch) [eng] Atmos", describeTrack(track))
}

func TestBackendList(t *testing.T) {
	assert.Equal(t, "wav", backendList(play.AvailableBackends(filepath.Join(t.TempDir(), "no-ffmpeg"))))
	assert.Equal(t, "wav, ffmpeg", backendList([]play.Backend{play.BackendWAV, play.BackendFFmpeg}))
}

func TestInheritanceIndicator(t *testing.T) {
	assert.Equal(t, "[inherited]", getInheritanceIndicator("inherited"))
	assert.Equal(t, "[profile-specific]", getInheritanceIndicator("profile-specific"))
	assert.Equal(t, "[unknown]", getInheritanceIndicator(""))
}
