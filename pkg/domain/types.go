package domain

import "time"

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "New Conversation"

// User is an account that owns personas and conversations.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Persona is a named system prompt that can be attached to a conversation.
// System personas are seeded at startup and have no owner.
type Persona struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model,omitempty"`
	Icon         string    `json:"icon,omitempty"`
	Public       bool      `json:"public"`
	Enabled      bool      `json:"-"`
	Default      bool      `json:"default,omitempty"`
	System       bool      `json:"system,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Conversation is a user's chat thread. Deleted conversations sit in a
// recycle bin until restored or permanently removed.
type Conversation struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"-"`
	Title              string     `json:"title"`
	PersonaID          string     `json:"persona_id,omitempty"`
	PersonaName        string     `json:"persona_name,omitempty"`
	PersonaDescription string     `json:"persona_description,omitempty"`
	SelectedModel      string     `json:"selected_model,omitempty"`
	Active             bool       `json:"-"`
	Deleted            bool       `json:"-"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
	LastMessageAt      time.Time  `json:"last_message_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Messages           []Message  `json:"messages,omitempty"`
}

// Message is a single turn in a conversation. Messages are ordered by a
// per-conversation sequence number assigned on append.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokenCount     *int      `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// ModelInfo is the public view of a configured model endpoint.
type ModelInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}
