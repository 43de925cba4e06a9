package users

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/chatsphere/internal/app/domain/message"
	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage/memory"
	svcerrors "github.com/R3E-Network/chatsphere/internal/errors"
	"github.com/R3E-Network/chatsphere/internal/imagehost"
	"github.com/R3E-Network/chatsphere/internal/presence"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

type fakeUploader struct {
	mu        sync.Mutex
	uploads   []string
	destroyed []string
	fail      bool
}

func (f *fakeUploader) Upload(_ context.Context, filename string, _ []byte) (imagehost.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return imagehost.Image{}, errors.New("upstream down")
	}
	f.uploads = append(f.uploads, filename)
	return imagehost.Image{
		URL:      "https://res.cloudinary.com/demo/image/upload/v1/avatars/new.png",
		PublicID: "avatars/new",
	}, nil
}

func (f *fakeUploader) Destroy(_ context.Context, publicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, publicID)
	return nil
}

type presenceEvent struct {
	userID string
	online bool
}

type fakePublisher struct {
	mu     sync.Mutex
	events []presenceEvent
}

func (p *fakePublisher) PublishPresence(_ context.Context, userID string, online bool, _ *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, presenceEvent{userID, online})
}

func newService(t *testing.T) (*Service, *memory.Store, *fakeUploader) {
	t.Helper()
	store := memory.New()
	up := &fakeUploader{}
	svc := New(store, nil)
	svc.AttachDependencies(store, store, presence.NewMemoryTracker(), up)
	return svc, store, up
}

func createUser(t *testing.T, store *memory.Store, name, email, password string) user.User {
	t.Helper()
	hash, err := user.HashPassword(password)
	require.NoError(t, err)
	u, err := store.CreateUser(context.Background(), user.User{Name: name, Email: email, PasswordHash: hash})
	require.NoError(t, err)
	return u
}

func requireStatus(t *testing.T, err error, status int, message string) {
	t.Helper()
	require.Error(t, err)
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se, "expected service error, got %v", err)
	assert.Equal(t, status, se.HTTPStatus)
	if message != "" {
		assert.Equal(t, message, se.Message)
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	u := createUser(t, store, "Alice", "alice@example.com", "secret1")

	_, err := svc.UpdateProfile(ctx, u.ID, ProfileUpdate{})
	requireStatus(t, err, http.StatusBadRequest, "Please provide name or avatar to update")

	_, err = svc.UpdateProfile(ctx, u.ID, ProfileUpdate{Name: "  A "})
	requireStatus(t, err, http.StatusBadRequest, "Name must be at least 2 characters long")

	profile, err := svc.UpdateProfile(ctx, u.ID, ProfileUpdate{Name: "  Alice Cooper "})
	require.NoError(t, err)
	assert.Equal(t, "Alice Cooper", profile.Name)

	profile, err = svc.UpdateProfile(ctx, u.ID, ProfileUpdate{Avatar: "https://cdn.example.com/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "Alice Cooper", profile.Name)
	assert.Equal(t, "https://cdn.example.com/a.png", profile.Avatar)

	_, err = svc.UpdateProfile(ctx, "missing", ProfileUpdate{Name: "Bob"})
	requireStatus(t, err, http.StatusNotFound, "User not found")
}

func TestUpdateAvatar(t *testing.T) {
	ctx := context.Background()
	svc, store, up := newService(t)
	u := createUser(t, store, "Alice", "alice@example.com", "secret1")
	u.Avatar = "https://res.cloudinary.com/demo/image/upload/v1/avatars/old.jpg"
	_, err := store.UpdateUser(ctx, u)
	require.NoError(t, err)

	_, err = svc.UpdateAvatar(ctx, u.ID, nil)
	requireStatus(t, err, http.StatusBadRequest, "Please upload an image file")

	_, err = svc.UpdateAvatar(ctx, u.ID, &AvatarUpload{Filename: "a.gif", Data: []byte("GIF89a......")})
	requireStatus(t, err, http.StatusBadRequest, "Only JPEG, PNG, and WebP images are allowed")

	_, err = svc.UpdateAvatar(ctx, u.ID, &AvatarUpload{Filename: "big.png", Data: pngBytes, Size: MaxAvatarSize + 1})
	requireStatus(t, err, http.StatusBadRequest, "File size must be less than 5MB")

	res, err := svc.UpdateAvatar(ctx, u.ID, &AvatarUpload{Filename: "me.png", Data: pngBytes, Size: int64(len(pngBytes))})
	require.NoError(t, err)
	assert.Equal(t, res.Avatar, res.User.Avatar)
	assert.Equal(t, []string{"avatars/old"}, up.destroyed)
	assert.Equal(t, []string{"me.png"}, up.uploads)

	up.fail = true
	_, err = svc.UpdateAvatar(ctx, u.ID, &AvatarUpload{Filename: "me.png", Data: pngBytes})
	requireStatus(t, err, http.StatusInternalServerError, "Failed to update avatar")
}

func TestUpdateAvatarWithoutUploader(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	u := createUser(t, store, "Alice", "alice@example.com", "secret1")

	_, err := svc.UpdateAvatar(context.Background(), u.ID, &AvatarUpload{Data: pngBytes})
	requireStatus(t, err, http.StatusServiceUnavailable, "")
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	u := createUser(t, store, "Alice", "alice@example.com", "secret1")

	requireStatus(t, svc.ChangePassword(ctx, u.ID, "", "whatever"), http.StatusBadRequest,
		"Current password and new password are required")
	requireStatus(t, svc.ChangePassword(ctx, u.ID, "secret1", "abc"), http.StatusBadRequest,
		"New password must be at least 6 characters long")
	requireStatus(t, svc.ChangePassword(ctx, u.ID, "secret1", "ééééé"), http.StatusBadRequest,
		"New password must be at least 6 characters long")
	requireStatus(t, svc.ChangePassword(ctx, u.ID, "secret1", strings.Repeat("é", 40)), http.StatusBadRequest,
		"New password cannot exceed 72 bytes")
	requireStatus(t, svc.ChangePassword(ctx, u.ID, "wrong-pass", "secret2"), http.StatusUnauthorized,
		"Current password is incorrect")

	require.NoError(t, svc.ChangePassword(ctx, u.ID, "secret1", "secret2"))
	stored, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, stored.CheckPassword("secret2"))
	assert.False(t, stored.CheckPassword("secret1"))

	require.NoError(t, svc.ChangePassword(ctx, u.ID, "secret2", "éééééé"))
}

func TestDeleteAccountCascades(t *testing.T) {
	ctx := context.Background()
	svc, store, up := newService(t)
	alice := createUser(t, store, "Alice", "alice@example.com", "secret1")
	bob := createUser(t, store, "Bob", "bob@example.com", "secret1")

	alice.Avatar = "https://res.cloudinary.com/demo/image/upload/v1/avatars/alice.png"
	_, err := store.UpdateUser(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, store.CreateContactPair(ctx, alice.ID, bob.ID))
	_, err = store.CreateMessage(ctx, message.Message{SenderID: alice.ID, ReceiverID: bob.ID, Content: "hi", Type: message.TypeText})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteAccount(ctx, alice.ID))

	_, err = svc.Get(ctx, alice.ID)
	requireStatus(t, err, http.StatusNotFound, "User not found")

	contacts, err := store.ListContacts(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, contacts)

	msgs, err := store.ListConversation(ctx, alice.ID, bob.ID, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"avatars/alice"}, up.destroyed)

	requireStatus(t, svc.DeleteAccount(ctx, alice.ID), http.StatusNotFound, "User not found")
}

func TestPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tracker := presence.NewMemoryTracker()
	pub := &fakePublisher{}
	svc := New(store, nil)
	svc.AttachDependencies(store, store, tracker, nil)
	svc.AttachPublisher(pub)
	u := createUser(t, store, "Alice", "alice@example.com", "secret1")

	require.NoError(t, svc.MarkOnline(ctx, u.ID))
	profile, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, profile.IsOnline)

	seen, err := svc.MarkOffline(ctx, u.ID)
	require.NoError(t, err)
	profile, err = svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, profile.IsOnline)
	require.NotNil(t, profile.LastSeen)
	assert.True(t, profile.LastSeen.Equal(seen))

	require.NoError(t, svc.MarkOnline(ctx, u.ID))
	n, err := svc.SweepIdle(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []presenceEvent{
		{u.ID, true}, {u.ID, false}, {u.ID, true}, {u.ID, false},
	}, pub.events)
}
