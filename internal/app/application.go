package app

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/chatsphere/internal/app/jobs"
	"github.com/R3E-Network/chatsphere/internal/app/services/auth"
	"github.com/R3E-Network/chatsphere/internal/app/services/contacts"
	"github.com/R3E-Network/chatsphere/internal/app/services/messages"
	"github.com/R3E-Network/chatsphere/internal/app/services/users"
	"github.com/R3E-Network/chatsphere/internal/app/storage"
	"github.com/R3E-Network/chatsphere/internal/app/storage/memory"
	"github.com/R3E-Network/chatsphere/internal/app/system"
	"github.com/R3E-Network/chatsphere/internal/config"
	"github.com/R3E-Network/chatsphere/internal/imagehost"
	"github.com/R3E-Network/chatsphere/internal/logging"
	"github.com/R3E-Network/chatsphere/internal/presence"
	"github.com/R3E-Network/chatsphere/internal/realtime"
)

// RejectedRequestRetention is how long rejected contact requests are kept.
const RejectedRequestRetention = 30 * 24 * time.Hour

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users    storage.UserStore
	Contacts storage.ContactStore
	Messages storage.MessageStore
}

// Options carries the settings and optional collaborators used to build an
// Application.
type Options struct {
	JWTSecret      string
	TokenTTL       time.Duration
	TokenIssuer    string
	AllowedOrigins []string
	PresenceTTL    time.Duration

	// Tracker defaults to an in-memory tracker.
	Tracker presence.Tracker
	// Uploader may be nil, in which case avatar uploads are unavailable.
	Uploader imagehost.Uploader
}

// OptionsFromConfig maps loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		TokenTTL:       cfg.Auth.JWTExpiresIn,
		TokenIssuer:    cfg.Auth.Issuer,
		AllowedOrigins: cfg.AllowedOrigins(),
		PresenceTTL:    cfg.Presence.TTL,
	}
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager   *system.Manager
	scheduler *jobs.Scheduler
	log       *logging.Logger

	Auth     *auth.Service
	Users    *users.Service
	Contacts *contacts.Service
	Messages *messages.Service
	Hub      *realtime.Hub
	Tracker  presence.Tracker

	StartedAt time.Time
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Contacts == nil {
		stores.Contacts = mem
	}
	if stores.Messages == nil {
		stores.Messages = mem
	}
	if opts.Tracker == nil {
		opts.Tracker = presence.NewMemoryTracker()
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 2 * time.Minute
	}
	if opts.Uploader == nil {
		log.Warn("image host not configured; avatar uploads disabled")
	}

	tokens, err := auth.NewTokenManager(opts.JWTSecret, opts.TokenTTL, opts.TokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}

	userService := users.New(stores.Users, log.Named("users"))
	userService.AttachDependencies(stores.Contacts, stores.Messages, opts.Tracker, opts.Uploader)

	contactService := contacts.New(stores.Users, stores.Contacts, log.Named("contacts"))
	messageService := messages.New(stores.Users, stores.Contacts, stores.Messages, log.Named("messages"))

	authService := auth.New(stores.Users, tokens, opts.Tracker, log.Named("auth"))
	authService.AttachPresence(userService)

	hub := realtime.NewHub(realtime.Options{
		AllowedOrigins: opts.AllowedOrigins,
		Logger:         log.Named("realtime"),
	})
	hub.SetHooks(realtime.Hooks{
		OnOnline: func(ctx context.Context, userID string) {
			if err := userService.MarkOnline(ctx, userID); err != nil {
				log.WithError(err).WithField("user_id", userID).Warn("mark online failed")
			}
		},
		OnOffline: func(ctx context.Context, userID string) {
			if _, err := userService.MarkOffline(ctx, userID); err != nil {
				log.WithError(err).WithField("user_id", userID).Warn("mark offline failed")
			}
		},
		OnActivity: func(ctx context.Context, userID string) {
			if err := userService.Touch(ctx, userID); err != nil {
				log.WithError(err).WithField("user_id", userID).Debug("presence touch failed")
			}
		},
		OnTyping: contactService.RelayTyping,
	})

	userService.AttachPublisher(contactService)
	contactService.AttachNotifier(hub)
	messageService.AttachNotifier(hub)

	scheduler := jobs.NewScheduler(time.Minute, log.Named("jobs"))
	ttl := opts.PresenceTTL
	if err := scheduler.Add("presence-sweep", "@every 1m", func(ctx context.Context) error {
		n, err := userService.SweepIdle(ctx, ttl)
		if n > 0 {
			log.WithField("count", n).Info("marked idle users offline")
		}
		return err
	}); err != nil {
		return nil, err
	}
	if err := scheduler.Add("contact-request-purge", "@daily", func(ctx context.Context) error {
		_, err := contactService.PurgeRejected(ctx, RejectedRequestRetention)
		return err
	}); err != nil {
		return nil, err
	}

	manager := system.NewManager()
	for _, svc := range []system.Service{hub, scheduler} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		scheduler: scheduler,
		log:       log,
		Auth:      authService,
		Users:     userService,
		Contacts:  contactService,
		Messages:  messageService,
		Hub:       hub,
		Tracker:   opts.Tracker,
		StartedAt: time.Now(),
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Schedule adds a recurring job to the application scheduler.
func (a *Application) Schedule(name, spec string, fn jobs.Func) error {
	return a.scheduler.Add(name, spec, fn)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.log.WithField("services", a.manager.Names()).Info("application started")
	return nil
}

// Stop stops the scheduler and then closes open websocket connections.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
