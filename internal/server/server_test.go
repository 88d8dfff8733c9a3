package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/atmoscapture/internal/config"
	"github.com/audiolibrelab/atmoscapture/internal/service"
	"github.com/audiolibrelab/atmoscapture/internal/session"
)

func writeWAV(t *testing.T, path string, channels, frames int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, 48000, 16, channels, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: 48000},
		Data:           make([]int, frames*channels),
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func newTestServer(t *testing.T, configFile string) (*httptest.Server, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Playback.Rate = 0

	srv := New(service.New(cfg, configFile), configFile, "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, cfg
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestStatusWhenIdle(t *testing.T) {
	ts, cfg := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	decode(t, resp, &status)
	assert.Equal(t, session.StateIdle, status.State)
	assert.Equal(t, "Ready to record", status.Message)
	require.NotNil(t, status.Config)
	assert.Equal(t, cfg.Output.Directory, status.Config.OutputDir)
	assert.Equal(t, "7.1.4", status.Config.Layout)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, "")

	for _, path := range []string{"/record", "/stop", "/config/select"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)

		var body map[string]interface{}
		decode(t, resp, &body)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "Method not allowed", body["error"])
	}
}

func TestRecordListAndStream(t *testing.T) {
	ts, cfg := newTestServer(t, "")
	input := filepath.Join(t.TempDir(), "Live Set.wav")
	writeWAV(t, input, 2, 4800)

	body, _ := json.Marshal(service.RecordRequest{InputPath: input, Layout: "5.1"})
	resp := postJSON(t, ts.URL+"/record", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var started RecordResponse
	decode(t, resp, &started)
	assert.True(t, started.Success)
	require.NotNil(t, started.Session)
	assert.Equal(t, filepath.Join(cfg.Output.Directory, "Live_Set.5.1.wav"), started.Session.OutputFile)
	assert.NotEmpty(t, started.Session.ID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/status")
		if err != nil {
			return false
		}
		var status StatusResponse
		decode(t, resp, &status)
		return status.State == session.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/files")
	require.NoError(t, err)
	var files struct {
		Files []service.RecordingInfo `json:"files"`
		Count int                     `json:"count"`
	}
	decode(t, resp, &files)
	require.Equal(t, 1, files.Count)
	assert.Equal(t, "Live_Set.5.1.wav", files.Files[0].Name)

	resp, err = http.Get(ts.URL + "/api/files/stream/Live_Set.5.1.wav")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(104+4800*6*2), resp.ContentLength)
}

func TestRecordWithFormValues(t *testing.T) {
	ts, cfg := newTestServer(t, "")
	input := filepath.Join(t.TempDir(), "form.wav")
	writeWAV(t, input, 2, 480)

	resp, err := http.PostForm(ts.URL+"/record", url.Values{
		"input":     {input},
		"layout":    {"stereo"},
		"bit_depth": {"24"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var started RecordResponse
	decode(t, resp, &started)
	assert.Equal(t, filepath.Join(cfg.Output.Directory, "form.stereo.wav"), started.Session.OutputFile)
	assert.Contains(t, started.Session.TargetFormat, "24")
}

func TestRecordErrors(t *testing.T) {
	ts, _ := newTestServer(t, "")
	input := filepath.Join(t.TempDir(), "in.wav")
	writeWAV(t, input, 2, 100)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"no input", `{"layout": "stereo"}`, http.StatusBadRequest},
		{"bad json", `{"input":`, http.StatusBadRequest},
		{"unknown layout", `{"input": "` + input + `", "layout": "9.9.9"}`, http.StatusUnprocessableEntity},
		{"missing track", `{"input": "` + input + `", "track": 4}`, http.StatusUnprocessableEntity},
		{"missing file", `{"input": "` + input + `.absent"}`, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/record", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)

			var body map[string]interface{}
			decode(t, resp, &body)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestStopWithoutRecording(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/stop", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestLayoutsAndProbe(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/layouts")
	require.NoError(t, err)
	var layouts struct {
		Layouts []service.LayoutInfo `json:"layouts"`
	}
	decode(t, resp, &layouts)
	assert.NotEmpty(t, layouts.Layouts)

	input := filepath.Join(t.TempDir(), "probe.wav")
	writeWAV(t, input, 2, 480)

	resp, err = http.Get(ts.URL + "/probe?" + url.Values{"path": {input}, "layout": {"5.1"}}.Encode())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var probe service.ProbeResult
	decode(t, resp, &probe)
	require.Len(t, probe.Tracks, 1)
	assert.Equal(t, 4, probe.Tracks[0].Silent)

	resp, err = http.Get(ts.URL + "/probe")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestFileStreamRejectsBadNames(t *testing.T) {
	ts, _ := newTestServer(t, "")

	tests := map[string]int{
		"notes.txt":   http.StatusForbidden,
		"a..b.wav":    http.StatusBadRequest,
		"missing.wav": http.StatusNotFound,
	}
	for name, code := range tests {
		resp, err := http.Get(ts.URL + "/api/files/stream/" + name)
		require.NoError(t, err)
		assert.Equal(t, code, resp.StatusCode, name)
		resp.Body.Close()
	}
}

func TestSelectProfile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "atmoscapture.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
active_config: default
configs:
  default:
    output:
      directory: /tmp/atmos
  headphones:
    recording:
      layout: stereo
`), 0644))
	ts, _ := newTestServer(t, configFile)

	resp, err := http.Get(ts.URL + "/config/profiles")
	require.NoError(t, err)
	var profiles struct {
		Profiles []string `json:"profiles"`
	}
	decode(t, resp, &profiles)
	assert.ElementsMatch(t, []string{"default", "headphones"}, profiles.Profiles)

	resp, err = http.PostForm(ts.URL+"/config/select", url.Values{"profile": {"headphones"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	active, _, err := config.ListProfiles(configFile)
	require.NoError(t, err)
	assert.Equal(t, "headphones", active)

	resp, err = http.PostForm(ts.URL+"/config/select", url.Values{"profile": {"nope"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
