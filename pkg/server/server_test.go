package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/aichat/pkg/controller"
	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/model"
	"github.com/nstogner/aichat/pkg/relay"
	"github.com/nstogner/aichat/pkg/store/sqlite"
)

type stubRelay struct {
	calls int
}

func (r *stubRelay) Send(ctx context.Context, desc model.Descriptor, req relay.Request) (relay.Result, error) {
	r.calls++
	return relay.Result{Answer: "hello from " + desc.ID}, nil
}

type fixture struct {
	srv   *httptest.Server
	store *sqlite.Store
	relay *stubRelay
	alice *domain.User
	bob   *domain.User
}

func newFixture(t *testing.T, limiter *Limiter) *fixture {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	alice := &domain.User{ID: uuid.New().String(), Username: "alice", Token: "alice-token"}
	bob := &domain.User{ID: uuid.New().String(), Username: "bob", Token: "bob-token"}
	require.NoError(t, s.CreateUser(ctx, alice))
	require.NoError(t, s.CreateUser(ctx, bob))

	models := model.New(
		model.Descriptor{ID: "m1", Name: "Model One", BaseURL: "https://x/v1", APIKey: "abc12345", Enabled: true},
		model.Descriptor{ID: "m2", Name: "Model Two", BaseURL: "https://y/v1", APIKey: "your-key", Enabled: true},
	)
	rl := &stubRelay{}
	ctrl := controller.New(s, s, s, models, nil, rl)

	srv := httptest.NewServer(New(s, s, s, s, models, ctrl, limiter).Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: s, relay: rl, alice: alice, bob: bob}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) createConversation(t *testing.T, token string, body map[string]string) domain.Conversation {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/conversations", token, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[domain.Conversation](t, resp)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations", "nope", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, decode[map[string]string](t, resp)["error"], "token")

	resp = f.do(t, http.MethodGet, "/api/me?token=alice-token", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[domain.User](t, resp)
	require.Equal(t, "alice", me.Username)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodOptions, "/api/conversations", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestListModels(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/models", "alice-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []domain.ModelInfo{
		{ID: "m1", Name: "Model One", Available: true},
		{ID: "m2", Name: "Model Two", Available: false},
	}, decode[[]domain.ModelInfo](t, resp))
}

func TestPersonaLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/personas", "alice-token", map[string]any{"name": "No prompt"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/personas", "alice-token", map[string]any{
		"name":          "Pirate",
		"system_prompt": "Talk like a pirate.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[domain.Persona](t, resp)
	require.NotEmpty(t, created.ID)
	require.False(t, created.Public)

	resp = f.do(t, http.MethodGet, "/api/personas/mine", "alice-token", nil)
	require.Len(t, decode[[]domain.Persona](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/api/personas/public", "alice-token", nil)
	require.Empty(t, decode[[]domain.Persona](t, resp))

	update := map[string]any{"name": "Captain", "system_prompt": "Arr.", "public": true}
	resp = f.do(t, http.MethodPut, "/api/personas/"+created.ID, "bob-token", update)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/personas/"+created.ID, "alice-token", update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[domain.Persona](t, resp)
	require.Equal(t, "Captain", updated.Name)
	require.True(t, updated.Public)

	resp = f.do(t, http.MethodDelete, "/api/personas/"+created.ID, "bob-token", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/personas/"+created.ID, "alice-token", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/personas/mine", "alice-token", nil)
	require.Empty(t, decode[[]domain.Persona](t, resp))
}

func TestCreateConversationPersonaAccess(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/personas", "bob-token", map[string]any{
		"name":          "Secret",
		"system_prompt": "Private.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	private := decode[domain.Persona](t, resp)

	resp = f.do(t, http.MethodPost, "/api/conversations", "alice-token", map[string]string{"persona_id": private.ID})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	conv := f.createConversation(t, "bob-token", map[string]string{"persona_id": private.ID})
	require.Equal(t, "Secret", conv.PersonaName)
	require.Equal(t, domain.DefaultConversationTitle, conv.Title)

	resp = f.do(t, http.MethodPost, "/api/conversations", "alice-token", map[string]string{"model": "missing"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversationRecycleBin(t *testing.T) {
	f := newFixture(t, nil)

	a := f.createConversation(t, "alice-token", map[string]string{"title": "A"})
	b := f.createConversation(t, "alice-token", map[string]string{"title": "B"})

	resp := f.do(t, http.MethodGet, "/api/conversations/"+a.ID, "bob-token", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/conversations/"+a.ID, "alice-token", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations", "alice-token", nil)
	active := decode[[]domain.Conversation](t, resp)
	require.Len(t, active, 1)
	require.Equal(t, b.ID, active[0].ID)

	resp = f.do(t, http.MethodGet, "/api/conversations/deleted", "alice-token", nil)
	deleted := decode[[]domain.Conversation](t, resp)
	require.Len(t, deleted, 1)
	require.NotNil(t, deleted[0].DeletedAt)

	resp = f.do(t, http.MethodPost, "/api/conversations/"+a.ID+"/restore", "alice-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/conversations/"+a.ID+"/restore", "alice-token", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Deleting twice removes it for good.
	f.do(t, http.MethodDelete, "/api/conversations/"+a.ID, "alice-token", nil)
	resp = f.do(t, http.MethodDelete, "/api/conversations/"+a.ID, "alice-token", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/conversations/"+a.ID, "alice-token", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/conversations/"+b.ID+"?permanent=true", "alice-token", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/conversations/deleted", "alice-token", nil)
	require.Empty(t, decode[[]domain.Conversation](t, resp))
}

func TestEmptyRecycleBin(t *testing.T) {
	f := newFixture(t, nil)

	for range 3 {
		c := f.createConversation(t, "alice-token", nil)
		f.do(t, http.MethodDelete, "/api/conversations/"+c.ID, "alice-token", nil)
	}
	f.createConversation(t, "alice-token", nil)

	resp := f.do(t, http.MethodDelete, "/api/conversations/recycle-bin", "alice-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]int{"deleted": 3}, decode[map[string]int](t, resp))

	resp = f.do(t, http.MethodGet, "/api/conversations", "alice-token", nil)
	require.Len(t, decode[[]domain.Conversation](t, resp), 1)
}

func TestSelectModel(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.createConversation(t, "alice-token", nil)

	resp := f.do(t, http.MethodPut, "/api/conversations/"+conv.ID+"/model", "alice-token", map[string]string{"model": "nope"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/conversations/"+conv.ID+"/model", "bob-token", map[string]string{"model": "m1"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/conversations/"+conv.ID+"/model", "alice-token", map[string]string{"model": "m1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "m1", decode[domain.Conversation](t, resp).SelectedModel)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.createConversation(t, "alice-token", nil)

	resp := f.do(t, http.MethodPost, "/api/chat/send", "alice-token", SendRequest{ConversationID: conv.ID, Content: "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/chat/send", "bob-token", SendRequest{ConversationID: conv.ID, Content: "hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/chat/send", "alice-token", SendRequest{ConversationID: conv.ID, Content: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[domain.Message](t, resp)
	require.Equal(t, domain.RoleAssistant, reply.Role)
	require.Equal(t, "hello from m1", reply.Content)

	resp = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice-token", nil)
	got := decode[domain.Conversation](t, resp)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "hi", got.Messages[0].Content)
	require.Equal(t, reply.ID, got.Messages[1].ID)
}

func TestSendMessageFailureNotice(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.createConversation(t, "alice-token", nil)

	resp := f.do(t, http.MethodPost, "/api/chat/send", "alice-token",
		SendRequest{ConversationID: conv.ID, Content: "hi", Model: "m2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[domain.Message](t, resp)
	require.True(t, controller.IsFailure(reply.Content))
	require.Contains(t, reply.Content, "Model Two")
	require.Zero(t, f.relay.calls)
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newFixture(t, NewLimiter(0.001, 1))
	conv := f.createConversation(t, "alice-token", nil)

	resp := f.do(t, http.MethodPost, "/api/chat/send", "alice-token", SendRequest{ConversationID: conv.ID, Content: "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/chat/send", "alice-token", SendRequest{ConversationID: conv.ID, Content: "two"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Buckets are per user.
	bobConv := f.createConversation(t, "bob-token", nil)
	resp = f.do(t, http.MethodPost, "/api/chat/send", "bob-token", SendRequest{ConversationID: bobConv.ID, Content: "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatWebSocket(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.createConversation(t, "alice-token", nil)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/conversations/" + conv.ID + "/chat?token=alice-token"

	_, resp, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(f.srv.URL, "http")+"/api/conversations/"+conv.ID+"/chat?token=bob-token", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(ChatFrame{Content: ""}))
	var reply ReplyFrame
	require.NoError(t, ws.ReadJSON(&reply))
	require.Nil(t, reply.Message)
	require.Equal(t, errEmptyContent.Error(), reply.Error)

	require.NoError(t, ws.WriteJSON(ChatFrame{Content: "hi"}))
	reply = ReplyFrame{}
	require.NoError(t, ws.ReadJSON(&reply))
	require.Empty(t, reply.Error)
	require.NotNil(t, reply.Message)
	require.Equal(t, "hello from m1", reply.Message.Content)

	msgs, err := f.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestLimiterNil(t *testing.T) {
	var l *Limiter
	for range 10 {
		require.True(t, l.Allow("anyone"))
	}
}
