package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MadStoneDev/just-noted-sub003/internal/notesync"
)

type ServerConfig struct {
	// APIToken guards every /v1 route when set; empty disables auth for
	// local development.
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server exposes the note session over a hand-routed JSON API plus a
// websocket feed of merged-view snapshots.
type Server struct {
	session     *notesync.Session
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(session *notesync.Session) *Server {
	return NewServerWithConfig(session, ServerConfig{})
}

func NewServerWithConfig(session *notesync.Session, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		session:     session,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w)
	case len(parts) == 2 && parts[1] == "refresh" && r.Method == http.MethodPost:
		s.handleRefresh(w, r)
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "online" && r.Method == http.MethodPost:
		s.handleSetOnline(w, r)
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "auth" && r.Method == http.MethodPost:
		s.handleSetAuth(w, r)
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodGet:
		s.handleListNotes(w)
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodPost:
		s.handleCreateNote(w, r)
	case len(parts) == 3 && parts[1] == "notes" && parts[2] == "watch" && r.Method == http.MethodGet:
		s.handleWatch(w, r)
	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodGet:
		s.handleGetNote(w, parts[2])
	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodDelete:
		s.handleDeleteNote(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "notes":
		s.routeNoteSubresource(w, r, parts[2], parts[3])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeNoteSubresource(w http.ResponseWriter, r *http.Request, noteID, sub string) {
	switch {
	case sub == "content" && r.Method == http.MethodPut:
		s.handleUpdateContent(w, r, noteID)
	case sub == "title" && r.Method == http.MethodPut:
		s.handleUpdateTitle(w, r, noteID)
	case sub == "pin" && r.Method == http.MethodPut:
		s.handleSetPinned(w, r, noteID)
	case sub == "privacy" && r.Method == http.MethodPut:
		s.handleSetPrivate(w, r, noteID)
	case sub == "reorder" && r.Method == http.MethodPost:
		s.handleReorder(w, r, noteID)
	case sub == "transfer" && r.Method == http.MethodPost:
		s.handleTransfer(w, r, noteID)
	case sub == "flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r, noteID)
	case sub == "editing" && r.Method == http.MethodPost:
		s.session.RegisterEditing(noteID)
		writeJSON(w, http.StatusNoContent, nil)
	case sub == "editing" && r.Method == http.MethodDelete:
		s.session.UnregisterEditing(noteID)
		writeJSON(w, http.StatusNoContent, nil)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type authError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *authError {
	if s.cfg.APIToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return &authError{http.StatusUnauthorized, "unauthorized", "missing Authorization header"}
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || strings.TrimSpace(header[len(prefix):]) != s.cfg.APIToken {
		return &authError{http.StatusUnauthorized, "unauthorized", "invalid bearer token"}
	}
	return nil
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":          s.session.State(),
		"online":         s.session.Online(),
		"anonymousToken": s.session.AnonymousToken(),
		"noteCount":      len(s.session.Notes()),
	})
}

func (s *Server) handleListNotes(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"notes": s.session.Notes()})
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var input notesync.CreateNoteInput
	if !s.decodeJSONBody(w, r, &input) {
		return
	}
	note, err := s.session.Create(r.Context(), input)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleGetNote(w http.ResponseWriter, noteID string) {
	note, err := s.session.Get(noteID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request, noteID string) {
	if err := s.session.Delete(r.Context(), noteID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Content string `json:"content"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.session.UpdateContent(noteID, body.Content); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "debounced"})
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Title string `json:"title"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.session.UpdateTitle(r.Context(), noteID, body.Title); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleSetPinned(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Pinned bool `json:"isPinned"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.session.SetPinned(r.Context(), noteID, body.Pinned); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleSetPrivate(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Private bool `json:"isPrivate"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.session.SetPrivate(r.Context(), noteID, body.Private); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Direction string `json:"direction"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.session.Reorder(r.Context(), noteID, notesync.MoveDirection(body.Direction)); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": s.session.Notes()})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, noteID string) {
	var body struct {
		Target string `json:"target"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.session.Transfer(r.Context(), noteID, notesync.NoteSource(body.Target)); err != nil {
		writeSessionError(w, err)
		return
	}
	note, err := s.session.Get(noteID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, noteID string) {
	if err := s.session.Flush(r.Context(), noteID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RefreshAll(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": s.session.Notes()})
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.session.SetOnline(r.Context(), body.Online); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": s.session.Online()})
}

func (s *Server) handleSetAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.session.SetAuthenticated(r.Context(), body.UserID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notesync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, notesync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, notesync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, notesync.ErrOffline):
		writeError(w, http.StatusConflict, "offline", err.Error())
	case errors.Is(err, notesync.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	if data == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[key]
	if !ok || now.After(entry.resetAt) {
		rl.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(rl.window),
		}
		return true
	}
	if entry.count >= rl.max {
		return false
	}
	entry.count++
	rl.entries[key] = entry
	return true
}
