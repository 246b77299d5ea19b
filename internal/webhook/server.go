// Package webhook implements the listener that receives speech requests from the
// remote notifier and plays them locally.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const maxBodyBytes = 64 << 10

// Speaker plays text and reports which backend did it
type Speaker interface {
	Speak(ctx context.Context, text string) (string, error)
}

// SpeakerFactory builds a Speaker for the current voice settings
type SpeakerFactory func(SpeechSettings) Speaker

// EventLogger records request outcomes
type EventLogger interface {
	LogSpeechRequest(requestID string, textLength int, backend, outcome string) error
}

type state struct {
	settings Settings
	speaker  Speaker
	mux      *http.ServeMux
}

// Server answers webhook and health requests. Settings can be swapped at runtime
// without dropping connections.
type Server struct {
	token      string
	newSpeaker SpeakerFactory
	events     EventLogger
	current    atomic.Pointer[state]
}

// NewServer creates a listener. An empty token disables authentication.
func NewServer(settings Settings, token string, newSpeaker SpeakerFactory, events EventLogger) *Server {
	s := &Server{
		token:      token,
		newSpeaker: newSpeaker,
		events:     events,
	}
	s.apply(settings)
	return s
}

// Settings returns the settings currently in effect
func (s *Server) Settings() Settings {
	return s.current.Load().settings
}

// Apply swaps in new settings. A port change only takes effect after a restart.
func (s *Server) Apply(settings Settings) {
	old := s.Settings()
	if settings.Port != old.Port || settings.Bind != old.Bind {
		slog.Warn("Listen address changed; restart the listener to apply it",
			"old", net.JoinHostPort(old.Bind, strconv.Itoa(old.Port)),
			"new", net.JoinHostPort(settings.Bind, strconv.Itoa(settings.Port)))
		settings.Port = old.Port
		settings.Bind = old.Bind
	}
	s.apply(settings)
	slog.Info("Listener settings applied", "path", settings.Path, "health_path", settings.HealthPath, "voice", settings.Speech.VoiceID)
}

func (s *Server) apply(settings Settings) {
	st := &state{
		settings: settings,
		speaker:  s.newSpeaker(settings.Speech),
		mux:      http.NewServeMux(),
	}
	st.mux.HandleFunc("POST "+settings.Path, s.handleSpeak)
	st.mux.HandleFunc("GET "+settings.HealthPath, s.handleHealth)
	s.current.Store(st)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().mux.ServeHTTP(w, r)
}

// Serve listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	settings := s.Settings()
	addr := net.JoinHostPort(settings.Bind, strconv.Itoa(settings.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	settings := s.Settings()
	slog.Info("Listener started",
		"addr", ln.Addr().String(),
		"path", settings.Path,
		"health_path", settings.HealthPath,
		"auth", s.token != "")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("listener shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("Listener stopped")
	return nil
}

type speakRequest struct {
	Text  *string `json:"text"`
	Voice string  `json:"voice,omitempty"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	if !s.authorized(r) {
		slog.Warn("Rejected unauthorized request", "request_id", requestID, "remote", r.RemoteAddr)
		s.logEvent(requestID, 0, "", "unauthorized")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req speakRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Text == nil {
		s.logEvent(requestID, 0, "", "invalid")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing 'text' field"})
		return
	}

	text := *req.Text
	slog.Info("Received speech request", "request_id", requestID, "length", len(text))

	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "TTS request received"})

	if strings.TrimSpace(text) == "" {
		s.logEvent(requestID, 0, "", "empty")
		return
	}

	st := s.current.Load()
	go s.play(st.speaker, st.settings.Speech.Timeout, requestID, text)
}

// play runs detached from the request; nobody waits for it
func (s *Server) play(speaker Speaker, timeout time.Duration, requestID, text string) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	backend, err := speaker.Speak(ctx, text)
	if err != nil {
		slog.Error("Speech playback failed", "request_id", requestID, "error", err)
		s.logEvent(requestID, len(text), "", "failed")
		return
	}
	slog.Info("Speech played", "request_id", requestID, "backend", backend)
	s.logEvent(requestID, len(text), backend, "played")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "TTS Webhook Server"})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) logEvent(requestID string, length int, backend, outcome string) {
	if s.events == nil {
		return
	}
	if err := s.events.LogSpeechRequest(requestID, length, backend, outcome); err != nil {
		slog.Debug("Failed to record speech request", "request_id", requestID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
