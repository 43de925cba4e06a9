package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
	svcerrors "github.com/R3E-Network/chatsphere/internal/errors"
	"github.com/R3E-Network/chatsphere/internal/logging"
	"github.com/R3E-Network/chatsphere/internal/presence"
)

// PresenceRecorder marks users online or offline.
type PresenceRecorder interface {
	MarkOnline(ctx context.Context, id string) error
	MarkOffline(ctx context.Context, id string) (time.Time, error)
}

// RegisterInput is the registration payload.
type RegisterInput struct {
	Name     string `json:"name" validate:"required,min=2,max=50"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,pwbytes"`
}

// LoginInput is the login payload.
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Session is returned after register or login.
type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      user.Profile `json:"user"`
}

// Service registers users and manages their sessions.
type Service struct {
	users    storage.UserStore
	tokens   *TokenManager
	revoked  presence.Tracker
	presence PresenceRecorder
	validate *validator.Validate
	log      *logging.Logger
}

// New constructs an auth service. revoked stores the logout denylist and may be nil.
func New(users storage.UserStore, tokens *TokenManager, revoked presence.Tracker, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("auth")
	}
	validate := validator.New()
	_ = validate.RegisterValidation("pwbytes", func(fl validator.FieldLevel) bool {
		return user.PasswordFits(fl.Field().String())
	})
	return &Service{
		users:    users,
		tokens:   tokens,
		revoked:  revoked,
		validate: validate,
		log:      log,
	}
}

// AttachPresence wires the presence recorder used on login and logout.
func (s *Service) AttachPresence(p PresenceRecorder) {
	s.presence = p
}

// Register creates an account and signs the user in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = user.NormalizeEmail(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return Session{}, validationError(err)
	}

	if _, err := s.users.GetUserByEmail(ctx, in.Email); err == nil {
		return Session{}, svcerrors.BadRequest("User already exists with this email")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Session{}, svcerrors.Internal("", err)
	}

	hash, err := user.HashPassword(in.Password)
	if err != nil {
		return Session{}, svcerrors.Internal("", err)
	}
	created, err := s.users.CreateUser(ctx, user.User{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hash,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return Session{}, svcerrors.BadRequest("User already exists with this email")
	}
	if err != nil {
		return Session{}, svcerrors.Internal("", err)
	}
	s.log.WithContext(ctx).WithField("user_id", created.ID).Info("user registered")
	return s.startSession(ctx, created)
}

// Login verifies credentials and issues a token.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	in.Email = user.NormalizeEmail(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return Session{}, svcerrors.BadRequest("Please provide email and password")
	}

	u, err := s.users.GetUserByEmail(ctx, in.Email)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, svcerrors.Unauthorized("Invalid email or password")
	}
	if err != nil {
		return Session{}, svcerrors.Internal("", err)
	}
	if !u.CheckPassword(in.Password) {
		s.log.LogSecurityEvent(ctx, "login_failed", map[string]interface{}{"user_id": u.ID})
		return Session{}, svcerrors.Unauthorized("Invalid email or password")
	}
	return s.startSession(ctx, u)
}

func (s *Service) startSession(ctx context.Context, u user.User) (Session, error) {
	token, claims, err := s.tokens.Issue(u.ID)
	if err != nil {
		return Session{}, svcerrors.Internal("", err)
	}
	if s.presence != nil {
		if err := s.presence.MarkOnline(ctx, u.ID); err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("failed to mark user online")
		} else {
			u.IsOnline = true
		}
	}
	return Session{Token: token, ExpiresAt: claims.ExpiresAt.Time, User: u.Public()}, nil
}

// Logout marks the user offline and revokes the presented token until it expires.
func (s *Service) Logout(ctx context.Context, userID string, claims *Claims) error {
	if s.presence != nil {
		if _, err := s.presence.MarkOffline(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.WithContext(ctx).WithError(err).Warn("failed to mark user offline")
		}
	}
	if s.revoked != nil && claims != nil && claims.ID != "" && claims.ExpiresAt != nil {
		if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return svcerrors.Internal("", err)
		}
	}
	return nil
}

// Authenticate resolves a bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (user.User, *Claims, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return user.User{}, nil, svcerrors.InvalidToken(err)
	}
	if s.revoked != nil && claims.ID != "" {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return user.User{}, nil, svcerrors.Unavailable("Unable to verify token", err)
		}
		if revoked {
			return user.User{}, nil, svcerrors.InvalidToken(errors.New("token revoked"))
		}
	}
	u, err := s.users.GetUser(ctx, claims.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, nil, svcerrors.Unauthorized("User not found. Authorization denied.")
	}
	if err != nil {
		return user.User{}, nil, svcerrors.Internal("", err)
	}
	return u, claims, nil
}

var fieldMessages = map[string]string{
	"Name":     "Name must be between 2 and 50 characters",
	"Email":    "Please provide a valid email",
	"Password": "Password must be at least 6 characters long",
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return svcerrors.BadRequest("Invalid request")
	}
	first := verrs[0]
	if first.Tag() == "required" {
		return svcerrors.BadRequest("Please provide name, email and password")
	}
	msg, ok := fieldMessages[first.Field()]
	if !ok {
		msg = "Invalid " + strings.ToLower(first.Field())
	}
	if first.Tag() == "pwbytes" {
		msg = "Password cannot exceed 72 bytes"
	}
	out := svcerrors.BadRequest(msg)
	for _, fe := range verrs {
		out.WithDetails(strings.ToLower(fe.Field()), fe.Tag())
	}
	return out
}
