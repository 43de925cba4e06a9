package users

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
	svcerrors "github.com/R3E-Network/chatsphere/internal/errors"
	"github.com/R3E-Network/chatsphere/internal/imagehost"
	"github.com/R3E-Network/chatsphere/internal/logging"
	"github.com/R3E-Network/chatsphere/internal/presence"
)

// MaxAvatarSize is the largest accepted avatar upload.
const MaxAvatarSize = 5 << 20

var allowedAvatarTypes = []string{"image/jpeg", "image/png", "image/webp"}

// PresencePublisher announces presence changes to interested users.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time)
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// AvatarUpload is an uploaded image file.
type AvatarUpload struct {
	Filename string
	Data     []byte
	// Size is the declared size of the upload, which may exceed len(Data)
	// when the reader stopped at the limit.
	Size int64
}

// AvatarResult is returned after a successful avatar change.
type AvatarResult struct {
	Avatar string       `json:"avatar"`
	User   user.Profile `json:"user"`
}

// Service manages user profiles, account lifecycle and presence state.
type Service struct {
	users     storage.UserStore
	contacts  storage.ContactStore
	messages  storage.MessageStore
	tracker   presence.Tracker
	uploader  imagehost.Uploader
	publisher PresencePublisher
	log       *logging.Logger
}

// New constructs a user service.
func New(users storage.UserStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("users")
	}
	return &Service{users: users, log: log}
}

// AttachDependencies wires the stores and collaborators used for account
// deletion, presence tracking and avatar hosting. Any of them may be nil.
func (s *Service) AttachDependencies(contacts storage.ContactStore, messages storage.MessageStore, tracker presence.Tracker, uploader imagehost.Uploader) {
	s.contacts = contacts
	s.messages = messages
	s.tracker = tracker
	s.uploader = uploader
}

// AttachPublisher injects the presence publisher.
func (s *Service) AttachPublisher(p PresencePublisher) {
	s.publisher = p
}

// Get returns the profile of id.
func (s *Service) Get(ctx context.Context, id string) (user.Profile, error) {
	u, err := s.load(ctx, id)
	if err != nil {
		return user.Profile{}, err
	}
	return u.Public(), nil
}

func (s *Service) load(ctx context.Context, id string) (user.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, svcerrors.NotFound("User not found")
	}
	if err != nil {
		return user.User{}, svcerrors.Internal("", err)
	}
	return u, nil
}

// UpdateProfile changes the name and/or avatar URL of id.
func (s *Service) UpdateProfile(ctx context.Context, id string, in ProfileUpdate) (user.Profile, error) {
	if in.Name == "" && in.Avatar == "" {
		return user.Profile{}, svcerrors.BadRequest("Please provide name or avatar to update")
	}
	name := strings.TrimSpace(in.Name)
	if in.Name != "" && len([]rune(name)) < user.MinNameLength {
		return user.Profile{}, svcerrors.BadRequest("Name must be at least 2 characters long")
	}
	if len([]rune(name)) > user.MaxNameLength {
		return user.Profile{}, svcerrors.BadRequest("Name cannot exceed 50 characters")
	}

	u, err := s.load(ctx, id)
	if err != nil {
		return user.Profile{}, err
	}
	if name != "" {
		u.Name = name
	}
	if in.Avatar != "" {
		u.Avatar = strings.TrimSpace(in.Avatar)
	}
	updated, err := s.save(ctx, u)
	if err != nil {
		return user.Profile{}, err
	}
	return updated.Public(), nil
}

func (s *Service) save(ctx context.Context, u user.User) (user.User, error) {
	updated, err := s.users.UpdateUser(ctx, u)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return user.User{}, svcerrors.NotFound("User not found")
	case err != nil:
		return user.User{}, svcerrors.Internal("", err)
	}
	return updated, nil
}

// UpdateAvatar validates and uploads a new avatar, replacing the previous one.
func (s *Service) UpdateAvatar(ctx context.Context, id string, upload *AvatarUpload) (AvatarResult, error) {
	if upload == nil || len(upload.Data) == 0 {
		return AvatarResult{}, svcerrors.BadRequest("Please upload an image file")
	}
	detected := mimetype.Detect(upload.Data)
	if !mimetype.EqualsAny(detected.String(), allowedAvatarTypes...) {
		return AvatarResult{}, svcerrors.BadRequest("Only JPEG, PNG, and WebP images are allowed").
			WithDetails("detected", detected.String())
	}
	size := upload.Size
	if int64(len(upload.Data)) > size {
		size = int64(len(upload.Data))
	}
	if size > MaxAvatarSize {
		return AvatarResult{}, svcerrors.BadRequest("File size must be less than 5MB")
	}
	if s.uploader == nil {
		return AvatarResult{}, svcerrors.Unavailable("Image uploads are not configured", nil)
	}

	u, err := s.load(ctx, id)
	if err != nil {
		return AvatarResult{}, err
	}
	previous := u

	filename := upload.Filename
	if filename == "" {
		filename = "avatar" + detected.Extension()
	}
	img, err := s.uploader.Upload(ctx, filename, upload.Data)
	if err != nil {
		return AvatarResult{}, svcerrors.Internal("Failed to update avatar", err)
	}

	u.Avatar = img.URL
	updated, err := s.save(ctx, u)
	if err != nil {
		return AvatarResult{}, err
	}
	if previous.Avatar != img.URL {
		s.destroyAvatar(ctx, previous)
	}
	s.log.WithContext(ctx).WithField("public_id", img.PublicID).Info("avatar updated")
	return AvatarResult{Avatar: img.URL, User: updated.Public()}, nil
}

// destroyAvatar removes the hosted image of u. Failures are logged only.
func (s *Service) destroyAvatar(ctx context.Context, u user.User) {
	if u.Avatar == "" || s.uploader == nil {
		return
	}
	publicID := imagehost.PublicIDFromURL(u.Avatar)
	if publicID == "" {
		return
	}
	if err := s.uploader.Destroy(ctx, publicID); err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("failed to delete avatar %s", publicID)
	}
}

// ChangePassword replaces the password of id after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) error {
	if current == "" || next == "" {
		return svcerrors.BadRequest("Current password and new password are required")
	}
	if utf8.RuneCountInString(next) < user.MinPasswordLength {
		return svcerrors.BadRequest("New password must be at least 6 characters long")
	}
	if !user.PasswordFits(next) {
		return svcerrors.BadRequest("New password cannot exceed 72 bytes")
	}

	u, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !u.CheckPassword(current) {
		return svcerrors.Unauthorized("Current password is incorrect")
	}
	hash, err := user.HashPassword(next)
	if err != nil {
		return svcerrors.Internal("", err)
	}
	u.PasswordHash = hash
	if _, err := s.save(ctx, u); err != nil {
		return err
	}
	s.log.WithContext(ctx).Info("password changed")
	return nil
}

// DeleteAccount removes the user together with their avatar, contacts,
// contact requests and messages.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	u, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	s.destroyAvatar(ctx, u)

	if s.tracker != nil {
		if _, err := s.tracker.SetOffline(ctx, id); err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("failed to clear presence")
		}
	}
	if s.publisher != nil {
		now := time.Now().UTC()
		s.publisher.PublishPresence(ctx, id, false, &now)
	}
	if s.messages != nil {
		if err := s.messages.DeleteUserMessages(ctx, id); err != nil {
			return svcerrors.Internal("", err)
		}
	}
	if s.contacts != nil {
		if err := s.contacts.DeleteUserContacts(ctx, id); err != nil {
			return svcerrors.Internal("", err)
		}
	}
	if err := s.users.DeleteUser(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return svcerrors.Internal("", err)
	}
	s.log.WithContext(ctx).WithField("user_id", id).Info("account deleted")
	return nil
}

// MarkOnline records that id is connected.
func (s *Service) MarkOnline(ctx context.Context, id string) error {
	if s.tracker != nil {
		if err := s.tracker.SetOnline(ctx, id); err != nil {
			return err
		}
	}
	if err := s.users.SetPresence(ctx, id, true, nil); err != nil {
		return err
	}
	if s.publisher != nil {
		s.publisher.PublishPresence(ctx, id, true, nil)
	}
	return nil
}

// MarkOffline records that id disconnected and returns the last-seen time.
func (s *Service) MarkOffline(ctx context.Context, id string) (time.Time, error) {
	seen := time.Now().UTC()
	if s.tracker != nil {
		ts, err := s.tracker.SetOffline(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		seen = ts
	}
	if err := s.users.SetPresence(ctx, id, false, &seen); err != nil {
		return time.Time{}, err
	}
	if s.publisher != nil {
		s.publisher.PublishPresence(ctx, id, false, &seen)
	}
	return seen, nil
}

// Touch refreshes the liveness of id.
func (s *Service) Touch(ctx context.Context, id string) error {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Touch(ctx, id)
}

// SweepIdle marks users that have not shown activity within ttl offline and
// returns how many were changed.
func (s *Service) SweepIdle(ctx context.Context, ttl time.Duration) (int, error) {
	if s.tracker == nil {
		return 0, nil
	}
	ids, err := s.tracker.Expired(ctx, ttl)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := s.MarkOffline(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			s.log.WithError(err).Warnf("failed to mark %s offline", id)
			continue
		}
		n++
	}
	return n, nil
}
