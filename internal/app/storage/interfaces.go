package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/chatsphere/internal/app/domain/contact"
	"github.com/R3E-Network/chatsphere/internal/app/domain/message"
	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrConflict is returned when a conditional update finds the record in
	// an unexpected state.
	ErrConflict = errors.New("storage: conflict")
)

// UserStore persists user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	GetUsers(ctx context.Context, ids []string) ([]user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	DeleteUser(ctx context.Context, id string) error
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]user.User, error)
	SetPresence(ctx context.Context, id string, online bool, lastSeen *time.Time) error
}

// ContactStore persists contact requests and accepted contacts.
type ContactStore interface {
	// CreateContactRequest returns ErrDuplicate when a pending request already
	// exists between the two users in either direction.
	CreateContactRequest(ctx context.Context, req contact.Request) (contact.Request, error)
	GetContactRequest(ctx context.Context, id string) (contact.Request, error)
	// DecideContactRequest moves a pending request to status. It returns
	// ErrConflict when the request is no longer pending.
	DecideContactRequest(ctx context.Context, id string, status contact.Status) (contact.Request, error)
	FindPendingRequestBetween(ctx context.Context, a, b string) (contact.Request, error)
	ListContactRequests(ctx context.Context, filter contact.RequestFilter) ([]contact.Request, error)
	DeleteContactRequestsBefore(ctx context.Context, status contact.Status, before time.Time) (int, error)

	CreateContactPair(ctx context.Context, a, b string) error
	ContactExists(ctx context.Context, a, b string) (bool, error)
	ListContacts(ctx context.Context, userID string) ([]contact.Contact, error)
	DeleteContactPair(ctx context.Context, a, b string) error
	DeleteUserContacts(ctx context.Context, userID string) error
}

// MessageStore persists direct messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg message.Message) (message.Message, error)
	GetMessage(ctx context.Context, id string) (message.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// ListConversation returns up to limit messages between a and b created
	// strictly before the cursor (zero means no bound), newest first.
	ListConversation(ctx context.Context, a, b string, before time.Time, limit int) ([]message.Message, error)
	MarkConversationRead(ctx context.Context, from, to string, at time.Time) (int, error)
	CountUnread(ctx context.Context, userID string) (map[string]int, error)
	// LatestPerPartner returns the newest message exchanged with each partner, newest first.
	LatestPerPartner(ctx context.Context, userID string) ([]message.Message, error)
	DeleteUserMessages(ctx context.Context, userID string) error
}
