// Package client is a typed HTTP and websocket client for the chat server API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/server"
)

// DefaultTimeout bounds every non-websocket request. It is longer than the
// server's relay read timeout so slow model replies are not cut off.
const DefaultTimeout = 330 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to one server as one user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the server at baseURL authenticating with token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var u domain.User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Models lists every configured model with its availability.
func (c *Client) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	var models []domain.ModelInfo
	err := c.do(ctx, http.MethodGet, "/api/models", nil, &models)
	return models, err
}

// --- Personas ---

// PersonaInput holds the editable fields of a persona.
type PersonaInput struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model,omitempty"`
	Icon         string `json:"icon,omitempty"`
	Public       bool   `json:"public"`
}

func (c *Client) PublicPersonas(ctx context.Context) ([]domain.Persona, error) {
	var personas []domain.Persona
	err := c.do(ctx, http.MethodGet, "/api/personas/public", nil, &personas)
	return personas, err
}

func (c *Client) MyPersonas(ctx context.Context) ([]domain.Persona, error) {
	var personas []domain.Persona
	err := c.do(ctx, http.MethodGet, "/api/personas/mine", nil, &personas)
	return personas, err
}

func (c *Client) CreatePersona(ctx context.Context, in PersonaInput) (*domain.Persona, error) {
	var p domain.Persona
	if err := c.do(ctx, http.MethodPost, "/api/personas", in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) UpdatePersona(ctx context.Context, id string, in PersonaInput) (*domain.Persona, error) {
	var p domain.Persona
	if err := c.do(ctx, http.MethodPut, "/api/personas/"+url.PathEscape(id), in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) DeletePersona(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/personas/"+url.PathEscape(id), nil, nil)
}

// --- Conversations ---

// NewConversation describes a conversation to create. Every field is optional.
type NewConversation struct {
	Title     string `json:"title,omitempty"`
	PersonaID string `json:"persona_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Conversations lists active conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs)
	return convs, err
}

// DeletedConversations lists the recycle bin.
func (c *Client) DeletedConversations(ctx context.Context) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations/deleted", nil, &convs)
	return convs, err
}

func (c *Client) CreateConversation(ctx context.Context, in NewConversation) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", in, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Conversation returns a conversation with its messages.
func (c *Client) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation moves a conversation to the recycle bin, or removes it
// for good when permanent is set or it is already in the bin.
func (c *Client) DeleteConversation(ctx context.Context, id string, permanent bool) error {
	path := "/api/conversations/" + url.PathEscape(id)
	if permanent {
		path += "?permanent=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) RestoreConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(id)+"/restore", nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// EmptyRecycleBin permanently removes every deleted conversation and returns
// how many were removed.
func (c *Client) EmptyRecycleBin(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/conversations/recycle-bin", nil, &out)
	return out.Deleted, err
}

// SelectModel sets the model used by later turns of a conversation.
func (c *Client) SelectModel(ctx context.Context, conversationID, modelID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	in := map[string]string{"model": modelID}
	if err := c.do(ctx, http.MethodPut, "/api/conversations/"+url.PathEscape(conversationID)+"/model", in, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// --- Chat ---

// Send runs one chat turn and returns the assistant reply. Model failures
// come back as a reply whose content starts with "[Error]" or "[System]".
func (c *Client) Send(ctx context.Context, req server.SendRequest) (*domain.Message, error) {
	var msg domain.Message
	if err := c.do(ctx, http.MethodPost, "/api/chat/send", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ChatSession is an open chat websocket for one conversation. It is not safe
// for concurrent use.
type ChatSession struct {
	ws *websocket.Conn
}

// Dial opens the chat websocket of a conversation.
func (c *Client) Dial(ctx context.Context, conversationID string) (*ChatSession, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/conversations/" + url.PathEscape(conversationID) + "/chat"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return &ChatSession{ws: ws}, nil
}

// Send submits one turn and waits for its reply.
func (s *ChatSession) Send(frame server.ChatFrame) (*domain.Message, error) {
	if err := s.ws.WriteJSON(frame); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}
	var reply server.ReplyFrame
	if err := s.ws.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	if reply.Message == nil {
		return nil, errors.New("empty reply frame")
	}
	return reply.Message, nil
}

// Close closes the websocket.
func (s *ChatSession) Close() error {
	_ = s.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.ws.Close()
}
