package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nstogner/aichat/pkg/controller"
	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/store"
)

var (
	errEmptyContent  = errors.New("content must not be empty")
	errRateLimited   = errors.New("too many messages, slow down")
	errPersonaFields = errors.New("name and system_prompt are required")
)

// --- Account ---

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, userFrom(r.Context()))
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, nonNil(s.models.ListAvailable()))
}

// --- Personas ---

type personaRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
	Icon         string `json:"icon"`
	Public       bool   `json:"public"`
}

func (req personaRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.SystemPrompt) == "" {
		return errPersonaFields
	}
	return nil
}

func (req personaRequest) apply(p *domain.Persona) {
	p.Name = strings.TrimSpace(req.Name)
	p.Description = req.Description
	p.SystemPrompt = req.SystemPrompt
	p.Model = req.Model
	p.Icon = req.Icon
	p.Public = req.Public
}

func (s *Server) handleListPublicPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := s.personas.ListPublicPersonas(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, nonNil(personas))
}

func (s *Server) handleListMyPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := s.personas.ListPersonasByUser(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, nonNil(personas))
}

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	p := &domain.Persona{
		ID:      uuid.New().String(),
		UserID:  userFrom(r.Context()).ID,
		Enabled: true,
	}
	req.apply(p)
	if err := s.personas.CreatePersona(r.Context(), p); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	p := &domain.Persona{
		ID:     r.PathValue("id"),
		UserID: userFrom(r.Context()).ID,
	}
	req.apply(p)
	if err := s.personas.UpdatePersona(r.Context(), p); err != nil {
		s.storeError(w, err)
		return
	}

	updated, err := s.personas.GetPersona(r.Context(), p.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePersona(w http.ResponseWriter, r *http.Request) {
	if err := s.personas.DisablePersona(r.Context(), r.PathValue("id"), userFrom(r.Context()).ID); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Conversations ---

type createConversationRequest struct {
	Title     string `json:"title"`
	PersonaID string `json:"persona_id"`
	Model     string `json:"model"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conversations.ListConversations(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, nonNil(convs))
}

func (s *Server) handleListDeletedConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conversations.ListDeletedConversations(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, nonNil(convs))
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	user := userFrom(r.Context())

	if req.PersonaID != "" {
		p, err := s.personas.GetPersona(r.Context(), req.PersonaID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if !p.Public && p.UserID != user.ID {
			s.errorResponse(w, http.StatusNotFound, fmt.Errorf("persona not found: %s: %w", req.PersonaID, store.ErrNotFound))
			return
		}
	}
	if req.Model != "" {
		if _, ok := s.models.Get(req.Model); !ok {
			s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("unknown model %q", req.Model))
			return
		}
	}

	conv := &domain.Conversation{
		ID:            uuid.New().String(),
		UserID:        user.ID,
		Title:         strings.TrimSpace(req.Title),
		PersonaID:     req.PersonaID,
		SelectedModel: req.Model,
	}
	if err := s.conversations.CreateConversation(r.Context(), conv); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	created, err := s.conversations.GetConversation(r.Context(), conv.ID, user.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, created)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.GetConversation(r.Context(), r.PathValue("id"), userFrom(r.Context()).ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	msgs, err := s.messages.ListMessages(r.Context(), conv.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	conv.Messages = nonNil(msgs)
	s.jsonResponse(w, http.StatusOK, conv)
}

// handleDeleteConversation moves a conversation to the recycle bin. It is
// removed for good when ?permanent=true or when it is already in the bin.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	userID := userFrom(r.Context()).ID

	permanent, _ := strconv.ParseBool(r.URL.Query().Get("permanent"))
	if !permanent {
		conv, err := s.conversations.GetConversation(r.Context(), id, userID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		permanent = conv.Deleted
	}

	var err error
	if permanent {
		err = s.conversations.DeleteConversation(r.Context(), id, userID)
	} else {
		err = s.conversations.SoftDeleteConversation(r.Context(), id, userID)
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	userID := userFrom(r.Context()).ID
	if err := s.conversations.RestoreConversation(r.Context(), id, userID); err != nil {
		s.storeError(w, err)
		return
	}
	conv, err := s.conversations.GetConversation(r.Context(), id, userID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, conv)
}

func (s *Server) handleEmptyRecycleBin(w http.ResponseWriter, r *http.Request) {
	n, err := s.conversations.EmptyRecycleBin(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]int{"deleted": n})
}

type selectModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req selectModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := s.models.Get(req.Model); !ok {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("unknown model %q", req.Model))
		return
	}

	id := r.PathValue("id")
	userID := userFrom(r.Context()).ID
	if err := s.conversations.UpdateConversationModel(r.Context(), id, userID, req.Model); err != nil {
		s.storeError(w, err)
		return
	}
	conv, err := s.conversations.GetConversation(r.Context(), id, userID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, conv)
}

// --- Chat ---

// SendRequest is one chat turn submitted over HTTP.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Model          string `json:"model,omitempty"`
	PersonaID      string `json:"persona_id,omitempty"`
	Thinking       bool   `json:"thinking,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.errorResponse(w, http.StatusBadRequest, errEmptyContent)
		return
	}

	user := userFrom(r.Context())
	if !s.limiter.Allow(user.ID) {
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusTooManyRequests, errRateLimited)
		return
	}

	reply, err := s.chat.SubmitTurn(r.Context(), controller.Turn{
		ConversationID: req.ConversationID,
		UserID:         user.ID,
		Content:        req.Content,
		Model:          req.Model,
		PersonaID:      req.PersonaID,
		Thinking:       req.Thinking,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, reply)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
