package contacts

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/chatsphere/internal/app/domain/contact"
	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
	"github.com/R3E-Network/chatsphere/internal/app/storage/memory"
	svcerrors "github.com/R3E-Network/chatsphere/internal/errors"
	"github.com/R3E-Network/chatsphere/internal/realtime"
)

type sent struct {
	userID string
	event  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sent
}

func (n *recordingNotifier) Notify(userID, event string, _ interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sent{userID, event})
}

func (n *recordingNotifier) take() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.events
	n.events = nil
	return out
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	notifier *recordingNotifier
	alice    user.User
	bob      user.User
	carol    user.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	f := &fixture{store: store, notifier: &recordingNotifier{}}
	f.svc = New(store, store, nil)
	f.svc.AttachNotifier(f.notifier)

	mk := func(name, email string) user.User {
		u, err := store.CreateUser(context.Background(), user.User{Name: name, Email: email, PasswordHash: "x"})
		require.NoError(t, err)
		return u
	}
	f.alice = mk("Alice", "alice@example.com")
	f.bob = mk("Bob", "bob@example.com")
	f.carol = mk("Carol", "carol@example.org")
	return f
}

func expectError(t *testing.T, err error, status int, message string) {
	t.Helper()
	require.Error(t, err)
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, status, se.HTTPStatus)
	assert.Equal(t, message, se.Message)
}

func TestSendRequestRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.SendRequest(ctx, f.alice.ID, f.alice.ID)
	expectError(t, err, http.StatusBadRequest, "Cannot send request to yourself")

	_, err = f.svc.SendRequest(ctx, f.alice.ID, "ghost")
	expectError(t, err, http.StatusNotFound, "User not found")

	view, err := f.svc.SendRequest(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, contact.StatusPending, view.Status)
	require.NotNil(t, view.From)
	require.NotNil(t, view.To)
	assert.Equal(t, "Alice", view.From.Name)
	assert.Equal(t, "Bob", view.To.Name)
	assert.Equal(t, []sent{{f.bob.ID, realtime.EventContactRequest}}, f.notifier.take())

	_, err = f.svc.SendRequest(ctx, f.bob.ID, f.alice.ID)
	expectError(t, err, http.StatusBadRequest, "Contact request already pending")

	_, err = f.svc.Accept(ctx, f.bob.ID, view.ID)
	require.NoError(t, err)

	_, err = f.svc.SendRequest(ctx, f.alice.ID, f.bob.ID)
	expectError(t, err, http.StatusBadRequest, "Already in your contacts")
}

func TestAcceptAndReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req, err := f.svc.SendRequest(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	f.notifier.take()

	_, err = f.svc.Accept(ctx, f.bob.ID, "missing")
	expectError(t, err, http.StatusNotFound, "Contact request not found")

	_, err = f.svc.Accept(ctx, f.alice.ID, req.ID)
	expectError(t, err, http.StatusForbidden, "Not authorized to accept this request")

	pending, err := f.svc.PendingRequests(ctx, f.bob.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].From)
	assert.Nil(t, pending[0].To)

	sentReqs, err := f.svc.SentRequests(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, sentReqs, 1)
	assert.Nil(t, sentReqs[0].From)
	require.NotNil(t, sentReqs[0].To)

	accepted, err := f.svc.Accept(ctx, f.bob.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contact.StatusAccepted, accepted.Status)
	assert.Equal(t, []sent{{f.alice.ID, realtime.EventContactAccepted}}, f.notifier.take())

	_, err = f.svc.Accept(ctx, f.bob.ID, req.ID)
	expectError(t, err, http.StatusBadRequest, "Request already processed")

	aliceContacts, err := f.svc.List(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, aliceContacts, 1)
	assert.Equal(t, f.bob.ID, aliceContacts[0].ID)

	bobContacts, err := f.svc.List(ctx, f.bob.ID)
	require.NoError(t, err)
	require.Len(t, bobContacts, 1)
	assert.Equal(t, f.alice.ID, bobContacts[0].ID)

	rej, err := f.svc.SendRequest(ctx, f.carol.ID, f.bob.ID)
	require.NoError(t, err)
	err = f.svc.Reject(ctx, f.carol.ID, rej.ID)
	expectError(t, err, http.StatusForbidden, "Not authorized to reject this request")
	require.NoError(t, f.svc.Reject(ctx, f.bob.ID, rej.ID))
	expectError(t, f.svc.Reject(ctx, f.bob.ID, rej.ID), http.StatusBadRequest, "Request already processed")

	pending, err = f.svc.PendingRequests(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := f.svc.PurgeRejected(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSearchAndRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Search(ctx, f.alice.ID, "   ")
	expectError(t, err, http.StatusBadRequest, "Search query is required")

	found, err := f.svc.Search(ctx, f.alice.ID, "EXAMPLE.COM")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, f.bob.ID, found[0].ID)

	require.NoError(t, f.store.CreateContactPair(ctx, f.alice.ID, f.bob.ID))
	require.NoError(t, f.svc.Remove(ctx, f.bob.ID, f.alice.ID))
	ok, err := f.svc.AreContacts(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.svc.Remove(ctx, f.bob.ID, f.carol.ID))
}

func TestPublishPresenceAndTyping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateContactPair(ctx, f.alice.ID, f.bob.ID))
	require.NoError(t, f.store.CreateContactPair(ctx, f.alice.ID, f.carol.ID))

	seen := time.Now()
	f.svc.PublishPresence(ctx, f.alice.ID, false, &seen)
	events := f.notifier.take()
	assert.ElementsMatch(t, []sent{
		{f.bob.ID, realtime.EventPresence},
		{f.carol.ID, realtime.EventPresence},
	}, events)

	f.svc.RelayTyping(ctx, f.alice.ID, f.bob.ID, true)
	f.svc.RelayTyping(ctx, f.bob.ID, f.carol.ID, true)
	assert.Equal(t, []sent{{f.bob.ID, realtime.EventTyping}}, f.notifier.take())
}

// slowStore delays the read-side checks so concurrent callers interleave
// between checking and writing.
type slowStore struct {
	*memory.Store
	delay time.Duration
}

func (s slowStore) FindPendingRequestBetween(ctx context.Context, a, b string) (contact.Request, error) {
	time.Sleep(s.delay)
	return s.Store.FindPendingRequestBetween(ctx, a, b)
}

func (s slowStore) GetContactRequest(ctx context.Context, id string) (contact.Request, error) {
	time.Sleep(s.delay)
	return s.Store.GetContactRequest(ctx, id)
}

var _ storage.ContactStore = slowStore{}

func runTogether(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i, fn)
	}
	close(start)
	wg.Wait()
	return errs
}

func countFailures(t *testing.T, errs []error, status int, message string) int {
	t.Helper()
	failed := 0
	for _, err := range errs {
		if err != nil {
			expectError(t, err, status, message)
			failed++
		}
	}
	return failed
}

func TestConcurrentOppositeRequestsLeaveOnePending(t *testing.T) {
	f := newFixture(t)
	svc := New(f.store, slowStore{Store: f.store, delay: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	errs := runTogether(
		func() error { _, err := svc.SendRequest(ctx, f.alice.ID, f.bob.ID); return err },
		func() error { _, err := svc.SendRequest(ctx, f.bob.ID, f.alice.ID); return err },
	)
	assert.Equal(t, 1, countFailures(t, errs, http.StatusBadRequest, "Contact request already pending"))

	toBob, err := svc.PendingRequests(ctx, f.bob.ID)
	require.NoError(t, err)
	toAlice, err := svc.PendingRequests(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Len(t, append(toBob, toAlice...), 1)
}

func TestConcurrentAcceptAndRejectDecideOnce(t *testing.T) {
	f := newFixture(t)
	svc := New(f.store, slowStore{Store: f.store, delay: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	req, err := svc.SendRequest(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	errs := runTogether(
		func() error { _, err := svc.Accept(ctx, f.bob.ID, req.ID); return err },
		func() error { return svc.Reject(ctx, f.bob.ID, req.ID) },
	)
	require.Equal(t, 1, countFailures(t, errs, http.StatusBadRequest, "Request already processed"))

	final, err := f.store.GetContactRequest(ctx, req.ID)
	require.NoError(t, err)
	linked, err := svc.AreContacts(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	if errs[0] == nil {
		assert.Equal(t, contact.StatusAccepted, final.Status)
		assert.True(t, linked)
	} else {
		assert.Equal(t, contact.StatusRejected, final.Status)
		assert.False(t, linked)
	}
}
