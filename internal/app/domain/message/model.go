package message

import (
	"time"

	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
)

// Type distinguishes plain text from image messages.
type Type string

const (
	TypeText  Type = "text"
	TypeImage Type = "image"
)

const (
	MaxContentLength = 5000
	DefaultPageSize  = 50
	MaxPageSize      = 100
)

// Message is a direct message between two users.
type Message struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Content    string     `json:"content"`
	Type       Type       `json:"messageType"`
	ImageURL   string     `json:"imageUrl,omitempty"`
	Read       bool       `json:"read"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Page is a slice of a conversation.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// Conversation summarises the latest exchange with one partner.
type Conversation struct {
	Contact     user.Profile `json:"contact"`
	LastMessage Message      `json:"lastMessage"`
	UnreadCount int          `json:"unreadCount"`
}
