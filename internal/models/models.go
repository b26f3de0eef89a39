package models

import "time"

// Entity types the conversation controller resolves profiles for.
const (
    EntityUser      = "user"
    EntityAssistant = "assistant"
)

// Profile represents one conversation participant category with a stable ID
type Profile struct {
    ID         string     `json:"id"`
    EntityType string     `json:"entity_type"`
    CreatedAt  time.Time  `json:"created_at"`
    LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Message is a single logged chat message. Messages are append-only and
// ordered by ID within a conversation.
type Message struct {
    ID             int64     `json:"id"`
    ConversationID string    `json:"conversation_id"`
    SenderID       string    `json:"sender_id"`
    Content        string    `json:"content"`
    CreatedAt      time.Time `json:"created_at"`
}
