package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/aichat/pkg/controller"
	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/model"
	"github.com/nstogner/aichat/pkg/relay"
	"github.com/nstogner/aichat/pkg/server"
	"github.com/nstogner/aichat/pkg/store"
	"github.com/nstogner/aichat/pkg/store/sqlite"
)

type echoRelay struct{}

func (echoRelay) Send(ctx context.Context, desc model.Descriptor, req relay.Request) (relay.Result, error) {
	last := req.Messages[len(req.Messages)-1]
	return relay.Result{Answer: "echo: " + last.Content}, nil
}

func newClient(t *testing.T) *Client {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	_, err = store.Seed(ctx, s, s, "demo-token")
	require.NoError(t, err)

	models := model.New(model.Descriptor{ID: "m1", Name: "Model One", BaseURL: "https://x/v1", APIKey: "abc12345", Enabled: true})
	ctrl := controller.New(s, s, s, models, nil, echoRelay{})

	srv := httptest.NewServer(server.New(s, s, s, s, models, ctrl, nil).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "demo-token")
}

func TestClientConversationFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, store.DemoUsername, me.Username)

	models, err := c.Models(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.ModelInfo{{ID: "m1", Name: "Model One", Available: true}}, models)

	personas, err := c.PublicPersonas(ctx)
	require.NoError(t, err)
	require.Len(t, personas, len(store.DefaultPersonas))

	conv, err := c.CreateConversation(ctx, NewConversation{Title: "Hello", PersonaID: personas[0].ID})
	require.NoError(t, err)
	require.Equal(t, personas[0].Name, conv.PersonaName)

	reply, err := c.Send(ctx, server.SendRequest{ConversationID: conv.ID, Content: "ping"})
	require.NoError(t, err)
	require.Equal(t, "echo: ping", reply.Content)

	conv, err = c.SelectModel(ctx, conv.ID, "m1")
	require.NoError(t, err)
	require.Equal(t, "m1", conv.SelectedModel)

	got, err := c.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)

	list, err := c.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestClientRecycleBin(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	a, err := c.CreateConversation(ctx, NewConversation{})
	require.NoError(t, err)
	b, err := c.CreateConversation(ctx, NewConversation{})
	require.NoError(t, err)

	require.NoError(t, c.DeleteConversation(ctx, a.ID, false))
	require.NoError(t, c.DeleteConversation(ctx, b.ID, false))

	deleted, err := c.DeletedConversations(ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 2)

	restored, err := c.RestoreConversation(ctx, a.ID)
	require.NoError(t, err)
	require.Nil(t, restored.DeletedAt)

	n, err := c.EmptyRecycleBin(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = c.Conversation(ctx, b.ID)
	require.True(t, IsNotFound(err), "got %v", err)

	require.NoError(t, c.DeleteConversation(ctx, a.ID, true))
	_, err = c.Conversation(ctx, a.ID)
	require.True(t, IsNotFound(err))
}

func TestClientPersonas(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.CreatePersona(ctx, PersonaInput{Name: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Contains(t, apiErr.Message, "system_prompt")

	p, err := c.CreatePersona(ctx, PersonaInput{Name: "Haiku", SystemPrompt: "Answer in haiku."})
	require.NoError(t, err)

	p, err = c.UpdatePersona(ctx, p.ID, PersonaInput{Name: "Haiku", SystemPrompt: "Answer in haiku.", Public: true})
	require.NoError(t, err)
	require.True(t, p.Public)

	mine, err := c.MyPersonas(ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	require.NoError(t, c.DeletePersona(ctx, p.ID))
	require.True(t, IsNotFound(c.DeletePersona(ctx, p.ID)))
}

func TestClientChatSession(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, NewConversation{})
	require.NoError(t, err)

	_, err = c.Dial(ctx, uuid.New().String())
	require.True(t, IsNotFound(err), "got %v", err)

	sess, err := c.Dial(ctx, conv.ID)
	require.NoError(t, err)
	defer sess.Close()

	msg, err := sess.Send(server.ChatFrame{Content: "one"})
	require.NoError(t, err)
	require.Equal(t, "echo: one", msg.Content)

	_, err = sess.Send(server.ChatFrame{Content: " "})
	require.Error(t, err)

	msg, err = sess.Send(server.ChatFrame{Content: "two"})
	require.NoError(t, err)
	require.Equal(t, "echo: two", msg.Content)
}

func TestClientBadToken(t *testing.T) {
	c := newClient(t)
	c.token = "wrong"

	_, err := c.Me(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
