// Package daemon serves the session API over a unix socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/dashboard"
	"github.com/janekbaraniewski/paneboard/internal/sched"
	"github.com/janekbaraniewski/paneboard/internal/screen"
	"github.com/janekbaraniewski/paneboard/internal/session"
	"github.com/janekbaraniewski/paneboard/internal/version"
)

const APIVersion = "v1"

const maxBodyBytes = 1 << 20

type Config struct {
	SocketPath string
	Verbose    bool
}

type Server struct {
	cfg     Config
	session *session.Service

	// Pollers receive client visibility and connection reports so
	// background polling pauses while no client is watching.
	Pollers []*sched.Poller

	logMu     sync.Mutex
	lastLogAt map[string]time.Time
}

func New(cfg Config, svc *session.Service) *Server {
	return &Server{
		cfg:       cfg,
		session:   svc,
		lastLogAt: map[string]time.Time{},
	}
}

// Run listens on the unix socket and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.SocketPath) == "" {
		return fmt.Errorf("daemon socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create daemon socket dir: %w", err)
	}
	if err := EnsureSocketPathAvailable(s.cfg.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen daemon socket: %w", err)
	}
	_ = os.Chmod(s.cfg.SocketPath, 0o660)
	s.infof("socket_listening", "path=%s", s.cfg.SocketPath)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       20 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.infof("socket_shutdown", "reason=context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = listener.Close()
		_ = os.Remove(s.cfg.SocketPath)
	}()

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// EnsureSocketPathAvailable removes a stale socket file, refusing when a
// live daemon already answers on it.
func EnsureSocketPathAvailable(socketPath string) error {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		return fmt.Errorf("socket path is empty")
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket path %s: %w", socketPath, err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s already exists and is not a socket", socketPath)
	}

	dialer := net.Dialer{Timeout: 450 * time.Millisecond}
	conn, dialErr := dialer.Dial("unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("daemon already running on socket %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale daemon socket %s: %w", socketPath, err)
	}
	return nil
}

// Handler builds the route table. Exposed so tests can drive it through
// httptest without a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /v1/providers/{id}", s.handleProviderSnapshot)
	mux.HandleFunc("GET /v1/panes/{pane}/diff", s.handleDiffSummary)
	mux.HandleFunc("GET /v1/panes/{pane}/diff/file", s.handleDiffFile)
	mux.HandleFunc("GET /v1/panes/{pane}/log", s.handleCommitLog)
	mux.HandleFunc("GET /v1/panes/{pane}/commits/{hash}", s.handleCommitDetail)
	mux.HandleFunc("GET /v1/panes/{pane}/commits/{hash}/file", s.handleCommitFile)
	mux.HandleFunc("GET /v1/panes/{pane}/screen", s.handleScreen)
	mux.HandleFunc("POST /v1/panes/{pane}/send-text", s.handleSendText)
	mux.HandleFunc("POST /v1/panes/{pane}/send-keys", s.handleSendKeys)
	mux.HandleFunc("POST /v1/panes/{pane}/send-raw", s.handleSendRaw)
	mux.HandleFunc("POST /v1/panes/{pane}/focus", s.handleFocusPane)
	mux.HandleFunc("DELETE /v1/panes/{pane}", s.handleKillPane)
	mux.HandleFunc("POST /v1/client-state", s.handleClientState)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"version":     strings.TrimSpace(version.Version),
		"api_version": APIVersion,
	})
}

func dashboardOptions(r *http.Request) dashboard.Options {
	q := r.URL.Query()
	return dashboard.Options{
		ForceRefresh:   q.Get("force") == "1",
		IncludeWindows: q.Get("windows") != "0",
	}
}

func gitOptions(r *http.Request) session.GitOptions {
	q := r.URL.Query()
	return session.GitOptions{
		WorktreePath: q.Get("worktree"),
		Force:        q.Get("force") == "1",
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.GetDashboard(r.Context(), dashboardOptions(r)))
}

func (s *Server) handleProviderSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := s.session.GetProviderSnapshot(r.Context(), r.PathValue("id"), dashboardOptions(r))
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleDiffSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.session.GetDiffSummary(r.Context(), r.PathValue("pane"), gitOptions(r))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDiffFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "missing path")
		return
	}
	staged := r.URL.Query().Get("staged") == "1"
	file, err := s.session.GetDiffFile(r.Context(), r.PathValue("pane"), gitOptions(r), path, staged)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleCommitLog(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	commitLog, err := s.session.GetCommitLog(r.Context(), r.PathValue("pane"), gitOptions(r), offset)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commitLog)
}

func (s *Server) handleCommitDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.session.GetCommitDetail(r.Context(), r.PathValue("pane"), gitOptions(r), r.PathValue("hash"))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCommitFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "missing path")
		return
	}
	file, err := s.session.GetCommitFile(r.Context(), r.PathValue("pane"), gitOptions(r), r.PathValue("hash"), path)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	mode := screen.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = screen.ModeText
	}
	if mode != screen.ModeText && mode != screen.ModeImage {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown screen mode %q", mode))
		return
	}
	resp, err := s.session.GetScreen(r.Context(), r.PathValue("pane"), mode, r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendTextRequest struct {
	Text        string `json:"text"`
	PressEnter  bool   `json:"pressEnter"`
	BypassGuard bool   `json:"bypassGuard"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.session.SendText(r.Context(), r.PathValue("pane"), req.Text, req.PressEnter, req.BypassGuard); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendKeysRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleSendKeys(w http.ResponseWriter, r *http.Request) {
	var req sendKeysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.session.SendKeys(r.Context(), r.PathValue("pane"), req.Keys); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendRawRequest struct {
	Text        string `json:"text"`
	BypassGuard bool   `json:"bypassGuard"`
}

func (s *Server) handleSendRaw(w http.ResponseWriter, r *http.Request) {
	var req sendRawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.session.SendRaw(r.Context(), r.PathValue("pane"), req.Text, req.BypassGuard); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFocusPane(w http.ResponseWriter, r *http.Request) {
	if err := s.session.FocusPane(r.Context(), r.PathValue("pane")); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleKillPane(w http.ResponseWriter, r *http.Request) {
	if err := s.session.KillPane(r.Context(), r.PathValue("pane")); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type clientStateRequest struct {
	Visible   *bool `json:"visible,omitempty"`
	Connected *bool `json:"connected,omitempty"`
}

// handleClientState lets clients report visibility and connection changes;
// omitted fields are left as they are.
func (s *Server) handleClientState(w http.ResponseWriter, r *http.Request) {
	var req clientStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for _, p := range s.Pollers {
		if req.Visible != nil {
			p.SetVisible(*req.Visible)
		}
		if req.Connected != nil {
			p.SetConnected(*req.Connected)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read payload failed")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode payload: %v", err))
		return false
	}
	return true
}

// writeAPIError maps taxonomy codes to HTTP statuses and keeps the code in
// the payload so clients can branch on it.
func (s *Server) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.Normalize(err)
	status := http.StatusInternalServerError
	switch e.Code {
	case apierr.CodeInvalidPane:
		status = http.StatusNotFound
	case apierr.CodeDangerousCommand:
		status = http.StatusForbidden
	case apierr.CodeWeztermUnavailable, apierr.CodeTmuxUnavailable,
		apierr.CodeUpstreamUnavailable, apierr.CodeCodexAppServerUnavailable:
		status = http.StatusBadGateway
	case apierr.CodeRateLimit:
		status = http.StatusTooManyRequests
	}
	if s.shouldLog("api_error:"+string(e.Code), 10*time.Second) {
		s.warnf("api_error", "path=%s code=%s err=%v", r.URL.Path, e.Code, err)
	}
	writeJSON(w, status, map[string]string{
		"code":  string(e.Code),
		"error": e.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) infof(event, format string, args ...any) {
	if s == nil || !s.cfg.Verbose {
		return
	}
	log.Printf("daemon level=info event=%s "+format, append([]any{event}, args...)...)
}

func (s *Server) warnf(event, format string, args ...any) {
	if s == nil || !s.cfg.Verbose {
		return
	}
	log.Printf("daemon level=warn event=%s "+format, append([]any{event}, args...)...)
}

// shouldLog rate-limits repeated log lines per key.
func (s *Server) shouldLog(key string, interval time.Duration) bool {
	if s == nil {
		return false
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	now := time.Now()
	if interval > 0 {
		if last, ok := s.lastLogAt[key]; ok && now.Sub(last) < interval {
			return false
		}
	}
	s.lastLogAt[key] = now
	return true
}
