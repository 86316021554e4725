package store

import "time"

// DefaultTitle is assigned to every new conversation until it is renamed.
const DefaultTitle = "New Chat"

// Message roles as stored and as sent to the model endpoint.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"` // UUID
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is immutable once created. Seq is the ordering key within a
// conversation; wall-clock timestamps are kept for display and are not
// assumed unique.
type Message struct {
	ID             string    `json:"id"` // UUID
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Seq            int64     `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}
