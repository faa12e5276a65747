package domain

// Role defines the author of a conversation message.
type Role string

const (
	// RoleUser indicates a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a reply produced by a model (or a relay failure notice).
	RoleAssistant Role = "assistant"
	// RoleSystem indicates a system-level message.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
