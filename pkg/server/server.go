package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nstogner/aichat/pkg/controller"
	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/model"
	"github.com/nstogner/aichat/pkg/store"
)

// Chat runs a single chat turn.
type Chat interface {
	SubmitTurn(ctx context.Context, t controller.Turn) (*domain.Message, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the REST and websocket API of the chat backend.
type Server struct {
	users         store.UserStore
	personas      store.PersonaStore
	conversations store.ConversationStore
	messages      store.MessageStore
	models        *model.Registry
	chat          Chat
	limiter       *Limiter
	pinger        Pinger

	mu  sync.Mutex
	srv *http.Server
}

// New creates a new Server. A nil limiter disables chat rate limiting.
func New(
	users store.UserStore,
	personas store.PersonaStore,
	conversations store.ConversationStore,
	messages store.MessageStore,
	models *model.Registry,
	chat Chat,
	limiter *Limiter,
) *Server {
	s := &Server{
		users:         users,
		personas:      personas,
		conversations: conversations,
		messages:      messages,
		models:        models,
		chat:          chat,
		limiter:       limiter,
	}
	if p, ok := users.(Pinger); ok {
		s.pinger = p
	}
	return s
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	api := http.NewServeMux()

	// Account
	api.HandleFunc("GET /api/me", s.handleMe)

	// Models
	api.HandleFunc("GET /api/models", s.handleListModels)

	// Personas
	api.HandleFunc("GET /api/personas/public", s.handleListPublicPersonas)
	api.HandleFunc("GET /api/personas/mine", s.handleListMyPersonas)
	api.HandleFunc("POST /api/personas", s.handleCreatePersona)
	api.HandleFunc("PUT /api/personas/{id}", s.handleUpdatePersona)
	api.HandleFunc("DELETE /api/personas/{id}", s.handleDeletePersona)

	// Conversations
	api.HandleFunc("GET /api/conversations", s.handleListConversations)
	api.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	api.HandleFunc("GET /api/conversations/deleted", s.handleListDeletedConversations)
	api.HandleFunc("DELETE /api/conversations/recycle-bin", s.handleEmptyRecycleBin)
	api.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	api.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	api.HandleFunc("POST /api/conversations/{id}/restore", s.handleRestoreConversation)
	api.HandleFunc("PUT /api/conversations/{id}/model", s.handleSelectModel)

	// Chat
	api.HandleFunc("POST /api/chat/send", s.handleSendMessage)
	api.HandleFunc("GET /api/conversations/{id}/chat", s.handleChatWebSocket)

	mux.Handle("/api/", s.authMiddleware(api))

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	slog.Info("Starting web server", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.errorResponse(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "status", status, "error", err)
	} else {
		slog.Debug("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// storeError maps store errors onto HTTP status codes.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrNotDeleted):
		s.errorResponse(w, http.StatusBadRequest, err)
	default:
		s.errorResponse(w, http.StatusInternalServerError, err)
	}
}
