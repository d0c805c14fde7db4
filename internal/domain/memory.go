package domain

import (
	"context"
	"time"
)

// Store persists users, conversations and the message log.
type Store interface {
	GetOrCreateUser(ctx context.Context, phone, name string, whitelisted bool) (*User, error)
	UpdateUser(ctx context.Context, user User) error

	GetOrCreateActiveConversation(ctx context.Context, userID string) (*Conversation, error)

	CreateMessage(ctx context.Context, msg *MessageRecord) error
	UpdateMessage(ctx context.Context, msg MessageRecord) error
	// GetRecentMessages returns up to limit messages of a conversation, newest first.
	GetRecentMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error)
	FindMessageByProviderID(ctx context.Context, provider ProviderTag, providerMessageID string) (*MessageRecord, error)
	DeleteMessage(ctx context.Context, id string) error

	Close() error
}

type User struct {
	ID          string    `json:"id"`
	Phone       string    `json:"phone"`
	Name        string    `json:"name,omitempty"`
	Whitelisted bool      `json:"whitelisted"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MessageRecord struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	ConversationID    string      `json:"conversation_id"`
	Provider          ProviderTag `json:"provider"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Direction         Direction   `json:"direction"`
	Kind              MessageKind `json:"kind"`
	Content           string      `json:"content,omitempty"`
	MediaURL          string      `json:"media_url,omitempty"`
	MediaContentType  string      `json:"media_content_type,omitempty"`
	AIResponse        string      `json:"ai_response,omitempty"`
	AIModel           string      `json:"ai_model,omitempty"`
	TokensIn          int         `json:"tokens_in"`
	TokensOut         int         `json:"tokens_out"`
	Processed         bool        `json:"processed"`
	ProcessedAt       *time.Time  `json:"processed_at,omitempty"`
	Error             string      `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}
