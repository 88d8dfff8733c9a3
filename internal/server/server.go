package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
	"github.com/audiolibrelab/atmoscapture/internal/config"
	"github.com/audiolibrelab/atmoscapture/internal/service"
	"github.com/audiolibrelab/atmoscapture/internal/session"
)

// Server represents the web server for controlling AtmosCapture
type Server struct {
	service    service.Service
	configFile string
	addr       string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.Status
	Message string              `json:"message,omitempty"`
	Config  *ResolvedConfigInfo `json:"resolved_config"`
}

// ResolvedConfigInfo contains configuration information for the UI
type ResolvedConfigInfo struct {
	ActiveProfile string  `json:"active_profile"`
	OutputDir     string  `json:"output_dir"`
	Layout        string  `json:"layout"`
	BitDepth      int     `json:"bit_depth"`
	Track         int     `json:"track"`
	Backend       string  `json:"backend"`
	Rate          float64 `json:"rate"`
}

// RecordResponse is returned by POST /record
type RecordResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Session *sessionBrief `json:"session,omitempty"`
}

type sessionBrief struct {
	ID           string `json:"id"`
	OutputFile   string `json:"output_file"`
	SourceFormat string `json:"source_format"`
	TargetFormat string `json:"target_format"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a web server around svc listening on addr
func New(svc service.Service, configFile, addr string) *Server {
	return &Server{
		service:    svc,
		configFile: configFile,
		addr:       addr,
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/record", s.handleRecord)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/layouts", s.handleLayouts)
	mux.HandleFunc("/probe", s.handleProbe)
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.HandleFunc("/config/select", s.handleSelectProfile)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/files/stream/", s.handleFileStream)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully and stops
// any recording in progress so its file is finalized.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	_, port, _ := net.SplitHostPort(s.addr)
	slog.Info("Starting AtmosCapture Web Server",
		"addr", s.addr,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if state := s.service.Status().State; state != session.StateIdle && !state.Terminal() {
		if err := s.service.Stop(); err != nil {
			slog.Error("Failed to stop recording on shutdown", "error", err)
		}
	}
	return nil
}

// handleIndex serves a minimal control page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>AtmosCapture</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
    <div class="container">
        <h1>AtmosCapture</h1>
        <h2>API Endpoints:</h2>
        <ul>
            <li>POST /record - Start recording ({"input": "...", "layout": "7.1.4"})</li>
            <li>POST /stop - Stop recording</li>
            <li>GET /status - Get status</li>
            <li>GET /layouts - List channel layouts</li>
            <li>GET /probe?path=... - List the tracks of a file</li>
            <li>GET /config/profiles - List profiles</li>
            <li>GET /api/files - List recordings</li>
        </ul>
    </div>
</body>
</html>`

// handleRecord starts a recording from a JSON body or form values
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	req, err := parseRecordRequest(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "record")
		return
	}

	slog.Debug("Record request received", "input", req.InputPath, "layout", req.Layout, "output", req.OutputPath)

	sess, err := s.service.Record(r.Context(), req)
	if err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"input", req.InputPath, "kind", audio.ErrorKind(err), "operation", "record")
		return
	}

	info := sess.Info()
	writeJSON(w, http.StatusOK, RecordResponse{
		Success: true,
		Message: "Recording started",
		Session: &sessionBrief{
			ID:           info.ID,
			OutputFile:   info.OutputFile,
			SourceFormat: info.SourceFormat,
			TargetFormat: info.TargetFormat,
		},
	})
}

func parseRecordRequest(r *http.Request) (service.RecordRequest, error) {
	var req service.RecordRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid JSON body: %w", err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("failed to parse form")
		}
		req.InputPath = r.FormValue("input")
		req.OutputPath = r.FormValue("output")
		req.Layout = r.FormValue("layout")
		req.Backend = r.FormValue("backend")
		for name, dst := range map[string]**int{"track": &req.Track, "bit_depth": &req.BitDepth} {
			if v := r.FormValue(name); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return req, fmt.Errorf("invalid %s: %q", name, v)
				}
				*dst = &n
			}
		}
		if v := r.FormValue("rate"); v != "" {
			rate, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return req, fmt.Errorf("invalid rate: %q", v)
			}
			req.Rate = &rate
		}
	}

	if req.InputPath == "" {
		return req, fmt.Errorf("input is required")
	}
	return req, nil
}

// handleStop stops the current recording and waits for the file to be finalized
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.service.Stop(); err != nil {
		code := http.StatusInternalServerError
		if audio.ErrorKind(err) == "unknown" {
			code = http.StatusConflict
		}
		s.sendErrorResponse(w, code,
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	status := s.service.Status()
	message := "Recording stopped"
	if status.Session != nil {
		message = fmt.Sprintf("Recording stopped: %s", status.Session.OutputFile)
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: message})
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	status := s.service.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  status,
		Message: statusMessage(status),
		Config:  resolvedConfigInfo(s.service.GetConfig()),
	})
}

func statusMessage(status service.Status) string {
	if status.Session == nil {
		return "Ready to record"
	}
	info := status.Session
	switch status.State {
	case session.StatePreparing:
		return fmt.Sprintf("Preparing %s", info.Input)
	case session.StateRecording:
		return fmt.Sprintf("Recording %s to %s (%.0f%%)", info.Input, info.OutputFile, info.Progress.Fraction*100)
	case session.StateStopping:
		return "Finalizing recording"
	case session.StateCompleted:
		return fmt.Sprintf("Recorded %s", info.OutputFile)
	case session.StateFailed:
		return fmt.Sprintf("Recording failed: %s", info.Error)
	}
	return string(status.State)
}

func resolvedConfigInfo(cfg *config.Config) *ResolvedConfigInfo {
	return &ResolvedConfigInfo{
		ActiveProfile: cfg.Profile,
		OutputDir:     cfg.Output.Directory,
		Layout:        cfg.Recording.Layout,
		BitDepth:      cfg.Recording.BitDepth,
		Track:         cfg.Recording.Track,
		Backend:       cfg.Playback.Backend,
		Rate:          cfg.Playback.Rate,
	}
}

// handleLayouts lists the named channel layouts
func (s *Server) handleLayouts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"layouts": s.service.Layouts(),
	})
}

// handleProbe lists the audio tracks of a file and their negotiated targets
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "path is required", "operation", "probe")
		return
	}

	result, err := s.service.Probe(r.Context(), path, r.URL.Query().Get("layout"))
	if err != nil {
		s.sendErrorResponse(w, statusForError(err), err.Error(), "path", path, "operation", "probe")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	active := s.service.GetConfig().Profile
	profiles := []string{"default"}
	if s.configFile != "" {
		if _, names, err := config.ListProfiles(s.configFile); err == nil && len(names) > 0 {
			profiles = names
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"profiles":       profiles,
		"active_profile": active,
	})
}

// handleSelectProfile switches the active profile and saves it to the config file
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "profile_selection")
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)

	if err := s.service.LoadProfile(profile); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, audio.ErrAlreadyRecording) {
			code = http.StatusConflict
		}
		s.sendErrorResponse(w, code, err.Error(), "profile", profile, "operation", "profile_selection")
		return
	}

	if s.configFile != "" {
		if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to save profile selection to config file: %v", err),
				"profile", profile, "operation", "profile_selection")
			return
		}
	}

	slog.Info("Profile changed", "profile", profile)
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Profile changed to %s", profile)})
}

// handleFiles lists finished recordings
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "list_files")
		return
	}
	if recordings == nil {
		recordings = []service.RecordingInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"files":   recordings,
		"count":   len(recordings),
	})
}

// handleFileStream serves a recording from the output directory
func (s *Server) handleFileStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/files/stream/")
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Prevent path traversal
	if strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if strings.ToLower(filepath.Ext(filename)) != ".wav" {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, filename)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// statusForError maps an error kind to an HTTP status code
func statusForError(err error) int {
	switch {
	case errors.Is(err, audio.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, audio.ErrUnsupportedFormat), errors.Is(err, audio.ErrAttachmentFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, audio.ErrIO):
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// sendErrorResponse logs and sends a JSON error response
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
