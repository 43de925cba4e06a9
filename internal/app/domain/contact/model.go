package contact

import (
	"time"

	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
)

// Status is the lifecycle state of a contact request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Request is a friend request from one user to another.
type Request struct {
	ID        string
	From      string
	To        string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contact is one direction of an accepted relationship. Accepting a request
// stores two rows, one per user.
type Contact struct {
	ID        string
	UserID    string
	ContactID string
	CreatedAt time.Time
}

// RequestFilter selects requests by participant and status. Empty fields match anything.
type RequestFilter struct {
	From   string
	To     string
	Status Status
}

// RequestView is a request with both participants resolved to profiles.
// Either side may be nil when only one direction is populated.
type RequestView struct {
	ID        string        `json:"id"`
	From      *user.Profile `json:"from,omitempty"`
	To        *user.Profile `json:"to,omitempty"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
