package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/chatsphere/internal/app/domain/contact"
	"github.com/R3E-Network/chatsphere/internal/app/domain/message"
	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu           sync.RWMutex
	users        map[string]user.User
	usersByEmail map[string]string
	requests     map[string]contact.Request
	contacts     map[string]contact.Contact
	messages     map[string]message.Message
	now          func() time.Time

	lastRequestAt time.Time
	lastContactAt time.Time
	lastMessageAt time.Time
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ContactStore = (*Store)(nil)
var _ storage.MessageStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:        make(map[string]user.User),
		usersByEmail: make(map[string]string),
		requests:     make(map[string]contact.Request),
		contacts:     make(map[string]contact.Contact),
		messages:     make(map[string]message.Message),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// stampLocked returns a timestamp strictly after *last and records it, so
// newest-first ordering is stable.
func (s *Store) stampLocked(last *time.Time) time.Time {
	now := s.now()
	if !now.After(*last) {
		now = last.Add(time.Microsecond)
	}
	*last = now
	return now
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Email = user.NormalizeEmail(u.Email)
	if _, exists := s.usersByEmail[u.Email]; exists {
		return user.User{}, storage.ErrDuplicate
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now()
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = u
	s.usersByEmail[u.Email] = u.ID
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[user.NormalizeEmail(email)]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) GetUsers(_ context.Context, ids []string) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]user.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	u.Email = user.NormalizeEmail(u.Email)
	if u.Email != existing.Email {
		if _, taken := s.usersByEmail[u.Email]; taken {
			return user.User{}, storage.ErrDuplicate
		}
		delete(s.usersByEmail, existing.Email)
		s.usersByEmail[u.Email] = u.ID
	}
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = s.now()
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.users, id)
	delete(s.usersByEmail, u.Email)
	return nil
}

func (s *Store) SearchUsers(_ context.Context, query, excludeID string, limit int) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var out []user.User
	for _, u := range s.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(u.Email, q) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetPresence(_ context.Context, id string, online bool, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.IsOnline = online
	if lastSeen != nil {
		ts := *lastSeen
		u.LastSeen = &ts
	}
	s.users[id] = u
	return nil
}

// --- ContactStore -----------------------------------------------------------

func (s *Store) CreateContactRequest(_ context.Context, req contact.Request) (contact.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Status == contact.StatusPending {
		if _, found := s.pendingBetweenLocked(req.From, req.To); found {
			return contact.Request{}, storage.ErrDuplicate
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := s.stampLocked(&s.lastRequestAt)
	req.CreatedAt = now
	req.UpdatedAt = now
	s.requests[req.ID] = req
	return req, nil
}

func (s *Store) GetContactRequest(_ context.Context, id string) (contact.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return contact.Request{}, storage.ErrNotFound
	}
	return req, nil
}

func (s *Store) DecideContactRequest(_ context.Context, id string, status contact.Status) (contact.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return contact.Request{}, storage.ErrNotFound
	}
	if req.Status != contact.StatusPending {
		return contact.Request{}, storage.ErrConflict
	}
	req.Status = status
	req.UpdatedAt = s.now()
	s.requests[id] = req
	return req, nil
}

func (s *Store) FindPendingRequestBetween(_ context.Context, a, b string) (contact.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, found := s.pendingBetweenLocked(a, b); found {
		return r, nil
	}
	return contact.Request{}, storage.ErrNotFound
}

func (s *Store) pendingBetweenLocked(a, b string) (contact.Request, bool) {
	for _, r := range s.requests {
		if r.Status != contact.StatusPending {
			continue
		}
		if (r.From == a && r.To == b) || (r.From == b && r.To == a) {
			return r, true
		}
	}
	return contact.Request{}, false
}

func (s *Store) ListContactRequests(_ context.Context, filter contact.RequestFilter) ([]contact.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contact.Request
	for _, r := range s.requests {
		if filter.From != "" && r.From != filter.From {
			continue
		}
		if filter.To != "" && r.To != filter.To {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteContactRequestsBefore(_ context.Context, status contact.Status, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.requests {
		if r.Status == status && r.UpdatedAt.Before(before) {
			delete(s.requests, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) CreateContactPair(_ context.Context, a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stampLocked(&s.lastContactAt)
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if s.hasContactLocked(pair[0], pair[1]) {
			continue
		}
		c := contact.Contact{ID: uuid.NewString(), UserID: pair[0], ContactID: pair[1], CreatedAt: now}
		s.contacts[c.ID] = c
	}
	return nil
}

func (s *Store) hasContactLocked(userID, contactID string) bool {
	for _, c := range s.contacts {
		if c.UserID == userID && c.ContactID == contactID {
			return true
		}
	}
	return false
}

func (s *Store) ContactExists(_ context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hasContactLocked(a, b) || s.hasContactLocked(b, a), nil
}

func (s *Store) ListContacts(_ context.Context, userID string) ([]contact.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contact.Contact
	for _, c := range s.contacts {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteContactPair(_ context.Context, a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.contacts {
		if (c.UserID == a && c.ContactID == b) || (c.UserID == b && c.ContactID == a) {
			delete(s.contacts, id)
		}
	}
	return nil
}

func (s *Store) DeleteUserContacts(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.contacts {
		if c.UserID == userID || c.ContactID == userID {
			delete(s.contacts, id)
		}
	}
	for id, r := range s.requests {
		if r.From == userID || r.To == userID {
			delete(s.requests, id)
		}
	}
	return nil
}

// --- MessageStore -----------------------------------------------------------

func (s *Store) CreateMessage(_ context.Context, msg message.Message) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.stampLocked(&s.lastMessageAt)
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return message.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func between(m message.Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

func (s *Store) ListConversation(_ context.Context, a, b string, before time.Time, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Message
	for _, m := range s.messages {
		if !between(m, a, b) {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkConversationRead(_ context.Context, from, to string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, m := range s.messages {
		if m.SenderID != from || m.ReceiverID != to || m.Read {
			continue
		}
		readAt := at
		m.Read = true
		m.ReadAt = &readAt
		m.UpdatedAt = at
		s.messages[id] = m
		count++
	}
	return count, nil
}

func (s *Store) CountUnread(_ context.Context, userID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, m := range s.messages {
		if m.ReceiverID == userID && !m.Read {
			out[m.SenderID]++
		}
	}
	return out, nil
}

func (s *Store) LatestPerPartner(_ context.Context, userID string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]message.Message)
	for _, m := range s.messages {
		var partner string
		switch userID {
		case m.SenderID:
			partner = m.ReceiverID
		case m.ReceiverID:
			partner = m.SenderID
		default:
			continue
		}
		if cur, ok := latest[partner]; !ok || m.CreatedAt.After(cur.CreatedAt) {
			latest[partner] = m
		}
	}

	out := make([]message.Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteUserMessages(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.messages {
		if m.SenderID == userID || m.ReceiverID == userID {
			delete(s.messages, id)
		}
	}
	return nil
}
