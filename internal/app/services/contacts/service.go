package contacts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/R3E-Network/chatsphere/internal/app/domain/contact"
	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
	svcerrors "github.com/R3E-Network/chatsphere/internal/errors"
	"github.com/R3E-Network/chatsphere/internal/logging"
	"github.com/R3E-Network/chatsphere/internal/metrics"
	"github.com/R3E-Network/chatsphere/internal/realtime"
)

// SearchLimit caps user search results.
const SearchLimit = 20

// Service manages contact requests and the accepted contact list.
type Service struct {
	users    storage.UserStore
	store    storage.ContactStore
	notifier realtime.Notifier
	log      *logging.Logger
}

// New constructs a contact service.
func New(users storage.UserStore, store storage.ContactStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("contacts")
	}
	return &Service{users: users, store: store, log: log}
}

// AttachNotifier injects the realtime notifier.
func (s *Service) AttachNotifier(n realtime.Notifier) {
	s.notifier = n
}

func (s *Service) notify(userID, event string, payload interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(userID, event, payload)
	}
}

// SendRequest creates a pending request from fromID to toID.
func (s *Service) SendRequest(ctx context.Context, fromID, toID string) (contact.RequestView, error) {
	toID = strings.TrimSpace(toID)
	if toID == "" {
		return contact.RequestView{}, svcerrors.BadRequest("User ID is required")
	}
	if toID == fromID {
		return contact.RequestView{}, svcerrors.BadRequest("Cannot send request to yourself")
	}
	if _, err := s.users.GetUser(ctx, toID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return contact.RequestView{}, svcerrors.NotFound("User not found")
		}
		return contact.RequestView{}, svcerrors.Internal("", err)
	}

	exists, err := s.store.ContactExists(ctx, fromID, toID)
	if err != nil {
		return contact.RequestView{}, svcerrors.Internal("", err)
	}
	if exists {
		return contact.RequestView{}, svcerrors.BadRequest("Already in your contacts")
	}

	if _, err := s.store.FindPendingRequestBetween(ctx, fromID, toID); err == nil {
		return contact.RequestView{}, svcerrors.BadRequest("Contact request already pending")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return contact.RequestView{}, svcerrors.Internal("", err)
	}

	req, err := s.store.CreateContactRequest(ctx, contact.Request{From: fromID, To: toID, Status: contact.StatusPending})
	if errors.Is(err, storage.ErrDuplicate) {
		return contact.RequestView{}, svcerrors.BadRequest("Contact request already pending")
	}
	if err != nil {
		return contact.RequestView{}, svcerrors.Internal("", err)
	}
	view, err := s.view(ctx, req, true, true)
	if err != nil {
		return contact.RequestView{}, err
	}
	metrics.RecordContactRequest(string(contact.StatusPending))
	s.notify(toID, realtime.EventContactRequest, view)
	s.log.WithContext(ctx).WithField("request_id", req.ID).Info("contact request sent")
	return view, nil
}

// PendingRequests lists pending requests received by userID, newest first.
func (s *Service) PendingRequests(ctx context.Context, userID string) ([]contact.RequestView, error) {
	reqs, err := s.store.ListContactRequests(ctx, contact.RequestFilter{To: userID, Status: contact.StatusPending})
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	return s.views(ctx, reqs, true, false)
}

// SentRequests lists pending requests sent by userID, newest first.
func (s *Service) SentRequests(ctx context.Context, userID string) ([]contact.RequestView, error) {
	reqs, err := s.store.ListContactRequests(ctx, contact.RequestFilter{From: userID, Status: contact.StatusPending})
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	return s.views(ctx, reqs, false, true)
}

// Accept accepts a pending request addressed to userID and links both users.
func (s *Service) Accept(ctx context.Context, userID, requestID string) (contact.RequestView, error) {
	req, err := s.decide(ctx, userID, requestID, contact.StatusAccepted, "accept")
	if err != nil {
		return contact.RequestView{}, err
	}
	if err := s.store.CreateContactPair(ctx, req.From, req.To); err != nil {
		return contact.RequestView{}, svcerrors.Internal("", err)
	}

	view, err := s.view(ctx, req, true, true)
	if err != nil {
		return contact.RequestView{}, err
	}
	metrics.RecordContactRequest(string(contact.StatusAccepted))
	s.notify(req.From, realtime.EventContactAccepted, view)
	return view, nil
}

// Reject rejects a pending request addressed to userID.
func (s *Service) Reject(ctx context.Context, userID, requestID string) error {
	if _, err := s.decide(ctx, userID, requestID, contact.StatusRejected, "reject"); err != nil {
		return err
	}
	metrics.RecordContactRequest(string(contact.StatusRejected))
	return nil
}

// decide moves a pending request addressed to userID to status. Only one
// decision can win when several race on the same request.
func (s *Service) decide(ctx context.Context, userID, requestID string, status contact.Status, verb string) (contact.Request, error) {
	req, err := s.store.GetContactRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return contact.Request{}, svcerrors.NotFound("Contact request not found")
	}
	if err != nil {
		return contact.Request{}, svcerrors.Internal("", err)
	}
	if req.To != userID {
		return contact.Request{}, svcerrors.Forbidden("Not authorized to " + verb + " this request")
	}
	if req.Status != contact.StatusPending {
		return contact.Request{}, errAlreadyProcessed()
	}

	req, err = s.store.DecideContactRequest(ctx, requestID, status)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return contact.Request{}, errAlreadyProcessed()
	case errors.Is(err, storage.ErrNotFound):
		return contact.Request{}, svcerrors.NotFound("Contact request not found")
	case err != nil:
		return contact.Request{}, svcerrors.Internal("", err)
	}
	return req, nil
}

func errAlreadyProcessed() error {
	return svcerrors.BadRequest("Request already processed")
}

// List returns the profiles of userID's contacts, most recently added first.
func (s *Service) List(ctx context.Context, userID string) ([]user.Profile, error) {
	rows, err := s.store.ListContacts(ctx, userID)
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	ids := make([]string, 0, len(rows))
	for _, c := range rows {
		ids = append(ids, c.ContactID)
	}
	byID, err := s.profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]user.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Search finds users other than userID whose name or email contains query.
func (s *Service) Search(ctx context.Context, userID, query string) ([]user.Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, svcerrors.BadRequest("Search query is required")
	}
	found, err := s.users.SearchUsers(ctx, query, userID, SearchLimit)
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	out := make([]user.Profile, 0, len(found))
	for _, u := range found {
		out = append(out, u.Public())
	}
	return out, nil
}

// Remove deletes the relationship between userID and contactID in both
// directions. Removing a non-contact succeeds.
func (s *Service) Remove(ctx context.Context, userID, contactID string) error {
	if err := s.store.DeleteContactPair(ctx, userID, contactID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return svcerrors.Internal("", err)
	}
	s.notify(contactID, realtime.EventContactRemoved, map[string]string{"userId": userID})
	return nil
}

// AreContacts reports whether a and b are linked.
func (s *Service) AreContacts(ctx context.Context, a, b string) (bool, error) {
	return s.store.ContactExists(ctx, a, b)
}

// PublishPresence tells every contact of userID about a presence change.
func (s *Service) PublishPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) {
	if s.notifier == nil {
		return
	}
	rows, err := s.store.ListContacts(ctx, userID)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("failed to list contacts for presence")
		return
	}
	payload := map[string]interface{}{"userId": userID, "isOnline": online}
	if lastSeen != nil {
		payload["lastSeen"] = lastSeen.UTC()
	}
	for _, c := range rows {
		s.notifier.Notify(c.ContactID, realtime.EventPresence, payload)
	}
}

// RelayTyping forwards a typing indicator when both users are contacts.
func (s *Service) RelayTyping(ctx context.Context, from, to string, typing bool) {
	ok, err := s.store.ContactExists(ctx, from, to)
	if err != nil || !ok {
		return
	}
	s.notify(to, realtime.EventTyping, map[string]interface{}{"userId": from, "typing": typing})
}

// PurgeRejected deletes rejected requests last updated before now-age.
func (s *Service) PurgeRejected(ctx context.Context, age time.Duration) (int, error) {
	n, err := s.store.DeleteContactRequestsBefore(ctx, contact.StatusRejected, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Infof("purged %d rejected contact requests", n)
	}
	return n, nil
}

func (s *Service) profiles(ctx context.Context, ids []string) (map[string]user.Profile, error) {
	out := make(map[string]user.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	found, err := s.users.GetUsers(ctx, ids)
	if err != nil {
		return nil, svcerrors.Internal("", err)
	}
	for _, u := range found {
		out[u.ID] = u.Public()
	}
	return out, nil
}

func (s *Service) view(ctx context.Context, req contact.Request, from, to bool) (contact.RequestView, error) {
	views, err := s.views(ctx, []contact.Request{req}, from, to)
	if err != nil {
		return contact.RequestView{}, err
	}
	return views[0], nil
}

func (s *Service) views(ctx context.Context, reqs []contact.Request, from, to bool) ([]contact.RequestView, error) {
	var ids []string
	for _, r := range reqs {
		if from {
			ids = append(ids, r.From)
		}
		if to {
			ids = append(ids, r.To)
		}
	}
	byID, err := s.profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]contact.RequestView, 0, len(reqs))
	for _, r := range reqs {
		v := contact.RequestView{ID: r.ID, Status: r.Status, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
		if p, ok := byID[r.From]; ok && from {
			v.From = &p
		}
		if p, ok := byID[r.To]; ok && to {
			v.To = &p
		}
		out = append(out, v)
	}
	return out, nil
}
