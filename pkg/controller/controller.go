package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/model"
	"github.com/nstogner/aichat/pkg/prompt"
	"github.com/nstogner/aichat/pkg/relay"
	"github.com/nstogner/aichat/pkg/store"
)

// Reply prefixes marking an assistant message that is a failure notice rather
// than a model answer.
const (
	ErrorPrefix  = "[Error]"
	SystemPrefix = "[System]"
)

// ReservedModelID is never picked by automatic model selection.
const ReservedModelID = "demo"

// IsFailure reports whether stored assistant content is a failure notice.
func IsFailure(content string) bool {
	return strings.HasPrefix(content, ErrorPrefix) || strings.HasPrefix(content, SystemPrefix)
}

// Relay sends one assembled request to a model provider.
type Relay interface {
	Send(ctx context.Context, desc model.Descriptor, req relay.Request) (relay.Result, error)
}

// Controller runs chat turns: it persists the user message, relays the
// conversation to a model and persists the reply.
type Controller struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	personas      store.PersonaStore
	models        *model.Registry
	builder       *prompt.Builder
	relay         Relay
}

// New creates a new Controller.
func New(
	conversations store.ConversationStore,
	messages store.MessageStore,
	personas store.PersonaStore,
	models *model.Registry,
	builder *prompt.Builder,
	relay Relay,
) *Controller {
	if builder == nil {
		builder = prompt.NewBuilder(nil)
	}
	return &Controller{
		conversations: conversations,
		messages:      messages,
		personas:      personas,
		models:        models,
		builder:       builder,
		relay:         relay,
	}
}

// Models returns the registry the controller resolves against.
func (c *Controller) Models() *model.Registry { return c.models }

// Turn is one user message submitted to a conversation.
type Turn struct {
	ConversationID string
	UserID         string
	Content        string
	// Model is an explicit model id. Empty falls back to the conversation's
	// selected model, then to the first available model.
	Model string
	// PersonaID overrides the conversation's persona for this turn.
	PersonaID string
	Thinking  bool
}

// SubmitTurn runs one chat turn and returns the persisted assistant message.
// Model, configuration and relay failures never fail the call: they are
// stored and returned as assistant content starting with ErrorPrefix or
// SystemPrefix. Missing or foreign conversations and personas are returned
// as errors before anything is persisted.
func (c *Controller) SubmitTurn(ctx context.Context, t Turn) (*domain.Message, error) {
	conv, err := c.conversations.GetConversation(ctx, t.ConversationID, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	systemPrompt, err := c.systemPrompt(ctx, conv, t)
	if err != nil {
		return nil, err
	}

	userText, marked := prompt.ParseThinkingMarker(t.Content)
	thinking := t.Thinking || marked

	modelID := strings.TrimSpace(t.Model)
	if modelID == "" {
		modelID = conv.SelectedModel
	}
	desc, notice := c.resolveModel(modelID)

	// A started turn runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	userMsg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        userText,
	}
	if err := c.messages.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("saving user message: %w", err)
	}

	content := notice
	if content == "" {
		content, err = c.complete(ctx, conv.ID, userMsg.ID, desc, prompt.Input{
			Model:             desc.ID,
			SystemPrompt:      systemPrompt,
			UserText:          userText,
			ThinkingRequested: thinking,
		})
		if err != nil {
			return nil, err
		}
	}

	reply := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        content,
	}
	if err := c.messages.AppendMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("saving assistant message: %w", err)
	}
	if err := c.conversations.TouchConversation(ctx, conv.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	slog.Info("Turn completed",
		"conversationID", conv.ID,
		"model", desc.ID,
		"failure", IsFailure(content),
	)
	return reply, nil
}

// complete loads history, builds the request and relays it. Relay failures
// come back as notice content, not as errors.
func (c *Controller) complete(ctx context.Context, conversationID, userMsgID string, desc model.Descriptor, in prompt.Input) (string, error) {
	all, err := c.messages.ListMessages(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("loading history: %w", err)
	}
	history := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if m.ID != userMsgID {
			history = append(history, m)
		}
	}
	in.History = history

	req := c.builder.Build(in)
	res, err := c.relay.Send(ctx, desc, req)
	if err != nil {
		return failureContent(err), nil
	}
	return res.Text(req.Thinking), nil
}

// resolveModel picks the descriptor for a turn. A non-empty notice means the
// turn cannot be relayed and the notice is the reply.
func (c *Controller) resolveModel(id string) (model.Descriptor, string) {
	var (
		desc model.Descriptor
		ok   bool
	)
	if id != "" {
		desc, ok = c.models.Get(id)
		if !ok {
			slog.Warn("Requested model not found", "model", id)
			return model.Descriptor{}, fmt.Sprintf("%s Model %s not available. Please select another model.", ErrorPrefix, id)
		}
	} else {
		desc, ok = c.models.FirstAvailable(ReservedModelID)
		if !ok {
			slog.Warn("No valid model configuration available")
			return model.Descriptor{}, SystemPrefix + " No AI models configured. Please check your API keys in .env file."
		}
	}

	if !desc.Available() {
		slog.Warn("API key not configured properly", "model", desc.ID)
		return model.Descriptor{}, fmt.Sprintf("%s API key for %s not configured. Please set the API key in .env file.", SystemPrefix, desc.Name)
	}
	return desc, ""
}

// systemPrompt returns the prompt of the turn's persona, or of the
// conversation's persona when the turn names none.
func (c *Controller) systemPrompt(ctx context.Context, conv *domain.Conversation, t Turn) (string, error) {
	if t.PersonaID != "" {
		p, err := c.personas.GetPersona(ctx, t.PersonaID)
		if err != nil {
			return "", fmt.Errorf("loading persona: %w", err)
		}
		if !p.Public && p.UserID != t.UserID {
			return "", fmt.Errorf("persona not found: %s: %w", t.PersonaID, store.ErrNotFound)
		}
		return p.SystemPrompt, nil
	}

	if conv.PersonaID == "" {
		return "", nil
	}
	p, err := c.personas.GetPersona(ctx, conv.PersonaID)
	if err != nil {
		slog.Warn("Conversation persona unavailable, using default prompt",
			"conversationID", conv.ID, "personaID", conv.PersonaID, "error", err)
		return "", nil
	}
	return p.SystemPrompt, nil
}

// failureContent is the boundary between typed relay errors and the stored
// failure notice.
func failureContent(err error) string {
	var relayErr *relay.Error
	if !errors.As(err, &relayErr) {
		return ErrorPrefix + " Failed to get AI response: " + err.Error()
	}
	if relayErr.Kind == relay.KindEmpty {
		return ErrorPrefix + " No response from AI service"
	}
	return ErrorPrefix + " AI service error: " + relayErr.Error()
}
