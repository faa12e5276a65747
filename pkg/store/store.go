package store

import (
	"context"
	"errors"
	"time"

	"github.com/nstogner/aichat/pkg/domain"
)

// ErrNotFound is wrapped by every lookup or mutation that targets a missing
// (or foreign) record.
var ErrNotFound = errors.New("not found")

// ErrNotDeleted is returned when restoring a conversation that is not in the
// recycle bin.
var ErrNotDeleted = errors.New("conversation is not in recycle bin")

// UserStore manages user accounts.
type UserStore interface {
	// CreateUser persists a new user. The ID and Token fields must be set by the caller.
	CreateUser(ctx context.Context, u *domain.User) error

	// GetUserByToken resolves an API token to its user.
	GetUserByToken(ctx context.Context, token string) (*domain.User, error)

	// GetUserByUsername retrieves a user by unique username.
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// PersonaStore manages personas. Disabled personas are hidden from every
// listing but still resolve by ID for conversations that reference them.
type PersonaStore interface {
	// CreatePersona persists a new persona. The ID field must be set by the caller.
	CreatePersona(ctx context.Context, p *domain.Persona) error

	// GetPersona retrieves a persona by ID.
	GetPersona(ctx context.Context, id string) (*domain.Persona, error)

	// ListPersonasByUser returns the enabled personas owned by userID.
	ListPersonasByUser(ctx context.Context, userID string) ([]domain.Persona, error)

	// ListPublicPersonas returns every enabled public persona, system personas first.
	ListPublicPersonas(ctx context.Context) ([]domain.Persona, error)

	// UpdatePersona overwrites the editable fields of a persona owned by p.UserID.
	UpdatePersona(ctx context.Context, p *domain.Persona) error

	// DisablePersona hides a persona owned by userID.
	DisablePersona(ctx context.Context, id, userID string) error

	// CountPersonas returns the number of personas, enabled or not.
	CountPersonas(ctx context.Context) (int, error)
}

// ConversationStore manages conversations. Every method is scoped to the
// owning user; a conversation owned by someone else is reported as not found.
type ConversationStore interface {
	// CreateConversation persists a new active conversation. The ID field must be set by the caller.
	CreateConversation(ctx context.Context, c *domain.Conversation) error

	// GetConversation retrieves a conversation (deleted or not) with its
	// persona summary filled in. Messages are not loaded.
	GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error)

	// ListConversations returns active conversations, most recent activity first.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// ListDeletedConversations returns the recycle bin, most recently deleted first.
	ListDeletedConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// SoftDeleteConversation moves a conversation to the recycle bin.
	SoftDeleteConversation(ctx context.Context, id, userID string) error

	// DeleteConversation permanently removes a conversation and its messages.
	DeleteConversation(ctx context.Context, id, userID string) error

	// RestoreConversation takes a conversation out of the recycle bin.
	// Returns ErrNotDeleted if it is not in the bin.
	RestoreConversation(ctx context.Context, id, userID string) error

	// EmptyRecycleBin permanently removes every deleted conversation of userID
	// and returns how many were removed.
	EmptyRecycleBin(ctx context.Context, userID string) (int, error)

	// UpdateConversationModel sets the model selected for a conversation.
	UpdateConversationModel(ctx context.Context, id, userID, modelID string) error

	// TouchConversation sets the last activity time of a conversation.
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// MessageStore manages the ordered turns of conversations.
type MessageStore interface {
	// AppendMessage adds a message to the end of its conversation. The ID
	// field must be set by the caller; CreatedAt defaults to now.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// ListMessages returns a conversation's messages in append order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}
