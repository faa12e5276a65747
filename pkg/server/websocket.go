package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/nstogner/aichat/pkg/controller"
	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ChatFrame is a client message on the chat websocket.
type ChatFrame struct {
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	PersonaID string `json:"persona_id,omitempty"`
	Thinking  bool   `json:"thinking,omitempty"`
}

// ReplyFrame is a server message on the chat websocket. Exactly one of
// Message and Error is set.
type ReplyFrame struct {
	Message *domain.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	user := userFrom(r.Context())

	// Verify the conversation exists and belongs to the caller.
	if _, err := s.conversations.GetConversation(r.Context(), conversationID, user.ID); err != nil {
		s.storeError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	slog.Debug("Chat websocket opened", "conversationID", conversationID, "userID", user.ID)

	// Turns run one at a time in read order.
	for {
		var frame ChatFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Chat websocket read failed", "error", err)
			}
			return
		}

		reply := s.runFrame(r, conversationID, user.ID, frame)
		if err := ws.WriteJSON(reply); err != nil {
			slog.Error("Failed to write chat reply", "error", err)
			return
		}
	}
}

func (s *Server) runFrame(r *http.Request, conversationID, userID string, frame ChatFrame) ReplyFrame {
	if strings.TrimSpace(frame.Content) == "" {
		return ReplyFrame{Error: errEmptyContent.Error()}
	}
	if !s.limiter.Allow(userID) {
		return ReplyFrame{Error: errRateLimited.Error()}
	}

	msg, err := s.chat.SubmitTurn(r.Context(), controller.Turn{
		ConversationID: conversationID,
		UserID:         userID,
		Content:        frame.Content,
		Model:          frame.Model,
		PersonaID:      frame.PersonaID,
		Thinking:       frame.Thinking,
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Chat turn failed", "conversationID", conversationID, "error", err)
		}
		return ReplyFrame{Error: err.Error()}
	}
	return ReplyFrame{Message: msg}
}
