// Package devserver is an in-memory gateway for local development and
// integration tests. It speaks the same wire protocol the real gateway
// does but keeps everything in process memory.
package devserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatview/internal/types"
)

const defaultPageLimit = 50

// Server holds sessions and their message logs.
type Server struct {
	mu       sync.Mutex
	token    string
	sessions map[string]*sessionLog
	order    []string
	seq      int
	echo     bool
}

type sessionLog struct {
	session *types.Session
	items   []types.Message
}

type Option func(*Server)

// WithEcho makes the server answer every appended user message with an
// agent echo, so a client's full poll cycle can be exercised without a
// real agent behind the gateway.
func WithEcho() Option {
	return func(s *Server) { s.echo = true }
}

func New(token string, opts ...Option) *Server {
	s := &Server{
		token:    strings.TrimSpace(token),
		sessions: map[string]*sessionLog{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler: /health is open, everything under
// /v1/ requires the bearer token when one is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSessionByKey)
	return s.authMiddleware(mux)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || strings.TrimSpace(auth[len(prefix):]) != s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": "devserver"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		sessions := make([]*types.Session, 0, len(s.order))
		for _, key := range s.order {
			sessions = append(sessions, s.sessions[key].session)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	case http.MethodPost:
		var req struct {
			Label string `json:"label"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		session := s.createSession(req.Label)
		writeJSON(w, http.StatusCreated, session)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) createSession(label string) *types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key := "s" + strconv.Itoa(s.seq)
	session := &types.Session{
		Key:       key,
		Label:     strings.TrimSpace(label),
		CreatedAt: time.Now().UTC(),
	}
	s.sessions[key] = &sessionLog{session: session}
	s.order = append(s.order, key)
	return session
}

func (s *Server) handleSessionByKey(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	key, action := parts[0], parts[1]
	switch action {
	case "messages":
		switch r.Method {
		case http.MethodGet:
			s.handleQueryMessages(w, r, key)
		case http.MethodPost:
			s.handleAppendMessage(w, r, key)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
	case "refresh":
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		if !s.sessionExists(key) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) sessionExists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[key]
	return ok
}

func (s *Server) handleQueryMessages(w http.ResponseWriter, r *http.Request, key string) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	afterTS := query.Get("after_ts")
	beforeID := query.Get("before_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.sessions[key]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}

	var items []types.Message
	var hasOlder bool
	switch {
	case beforeID != "":
		items, hasOlder = sliceBefore(log.items, beforeID, limit)
	case afterTS != "":
		items, hasOlder = sliceAfter(log.items, afterTS, limit)
	default:
		items, hasOlder = sliceTail(log.items, limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "has_older": hasOlder})
}

// sliceAfter returns items with ts >= afterTS in log order. The boundary
// item is included on purpose: clients dedupe by key, and an inclusive
// cut can never lose a message that shares the boundary timestamp.
func sliceAfter(items []types.Message, afterTS string, limit int) ([]types.Message, bool) {
	out := make([]types.Message, 0, limit)
	for _, item := range items {
		if item.TS < afterTS {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out, false
}

func sliceBefore(items []types.Message, beforeID string, limit int) ([]types.Message, bool) {
	cut := -1
	for i, item := range items {
		if item.ID == beforeID {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return nil, false
	}
	start := cut - limit
	if start < 0 {
		start = 0
	}
	return append([]types.Message(nil), items[start:cut]...), start > 0
}

func sliceTail(items []types.Message, limit int) ([]types.Message, bool) {
	if len(items) <= limit {
		return append([]types.Message(nil), items...), false
	}
	return append([]types.Message(nil), items[len(items)-limit:]...), true
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request, key string) {
	var req struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	role := types.MessageRole(req.Role)
	if role != types.MessageRoleUser && role != types.MessageRoleAgent {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown role"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.sessions[key]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	msg := s.appendLocked(log, role, req.Text)
	if s.echo && role == types.MessageRoleUser {
		s.appendLocked(log, types.MessageRoleAgent, "echo: "+req.Text)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) appendLocked(log *sessionLog, role types.MessageRole, text string) types.Message {
	s.seq++
	now := time.Now().UTC()
	msg := types.Message{
		ID:         fmt.Sprintf("m%d", s.seq),
		TS:         now.Format(time.RFC3339),
		Role:       role,
		SessionKey: log.session.Key,
		Text:       text,
	}
	log.items = append(log.items, msg)
	log.session.LastActiveAt = &now
	return msg
}
