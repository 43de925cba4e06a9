// Package httpapi exposes the chat services over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/chatsphere/internal/app"
	"github.com/R3E-Network/chatsphere/internal/httputil"
	"github.com/R3E-Network/chatsphere/internal/logging"
	"github.com/R3E-Network/chatsphere/internal/metrics"
	"github.com/R3E-Network/chatsphere/internal/middleware"
)

// Version is reported on the landing page and health endpoint.
const Version = "1.0.0"

// limiterIdle is how long an idle rate-limit bucket is kept before cleanup.
const limiterIdle = 10 * time.Minute

// Options configures the HTTP surface.
type Options struct {
	Logger         *logging.Logger
	Environment    string
	AllowedOrigins []string
	RateLimitRPS   int
	RateLimitBurst int
	// StaticDir, when set, is served under /app/.
	StaticDir string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app  *app.Application
	log  *logging.Logger
	opts Options
}

// NewHandler returns the full middleware-wrapped router for the API.
func NewHandler(application *app.Application, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logging.NewDefault("http")
	}
	if opts.Environment == "" {
		opts.Environment = "development"
	}
	h := &handler{app: application, log: log, opts: opts}

	router := mux.NewRouter()
	router.Use(middleware.RouteLabel())
	router.NotFoundHandler = http.HandlerFunc(h.notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(h.methodNotAllowed)

	router.HandleFunc("/", h.landing).Methods(http.MethodGet)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	authMW := middleware.NewAuthMiddleware(application.Auth, log.Named("auth"))
	protected := func(r *mux.Router) {
		r.Use(authMW.Handler, h.touchPresence)
	}

	api := router.PathPrefix("/api").Subrouter()

	authPublic := api.PathPrefix("/auth").Subrouter()
	authPublic.HandleFunc("/register", h.register).Methods(http.MethodPost)
	authPublic.HandleFunc("/login", h.login).Methods(http.MethodPost)
	authPrivate := api.PathPrefix("/auth").Subrouter()
	protected(authPrivate)
	authPrivate.HandleFunc("/logout", h.logout).Methods(http.MethodPost)
	authPrivate.HandleFunc("/me", h.getMe).Methods(http.MethodGet)

	usersRouter := api.PathPrefix("/users").Subrouter()
	protected(usersRouter)
	usersRouter.HandleFunc("/me", h.getMe).Methods(http.MethodGet)
	usersRouter.HandleFunc("/profile", h.updateProfile).Methods(http.MethodPut)
	usersRouter.HandleFunc("/avatar", h.updateAvatar).Methods(http.MethodPut)
	usersRouter.HandleFunc("/password", h.changePassword).Methods(http.MethodPut)
	usersRouter.HandleFunc("/account", h.deleteAccount).Methods(http.MethodDelete)
	usersRouter.HandleFunc("/{userId}", h.getUser).Methods(http.MethodGet)

	contactsRouter := api.PathPrefix("/contacts").Subrouter()
	protected(contactsRouter)
	contactsRouter.HandleFunc("", h.listContacts).Methods(http.MethodGet)
	contactsRouter.HandleFunc("/search", h.searchUsers).Methods(http.MethodGet)
	contactsRouter.HandleFunc("/request", h.sendContactRequest).Methods(http.MethodPost)
	contactsRouter.HandleFunc("/requests/pending", h.pendingRequests).Methods(http.MethodGet)
	contactsRouter.HandleFunc("/requests/sent", h.sentRequests).Methods(http.MethodGet)
	contactsRouter.HandleFunc("/requests/{requestId}/accept", h.acceptRequest).Methods(http.MethodPut)
	contactsRouter.HandleFunc("/requests/{requestId}/reject", h.rejectRequest).Methods(http.MethodPut)
	contactsRouter.HandleFunc("/{contactId}", h.removeContact).Methods(http.MethodDelete)

	messagesRouter := api.PathPrefix("/messages").Subrouter()
	protected(messagesRouter)
	messagesRouter.HandleFunc("", h.sendMessage).Methods(http.MethodPost)
	messagesRouter.HandleFunc("/conversations", h.conversations).Methods(http.MethodGet)
	messagesRouter.HandleFunc("/unread", h.unread).Methods(http.MethodGet)
	messagesRouter.HandleFunc("/{userId}", h.conversation).Methods(http.MethodGet)
	messagesRouter.HandleFunc("/{userId}/read", h.markRead).Methods(http.MethodPut)
	messagesRouter.HandleFunc("/{messageId}", h.deleteMessage).Methods(http.MethodDelete)

	wsAuth := middleware.NewAuthMiddleware(application.Auth, log.Named("auth")).WithQueryToken()
	api.Handle("/ws", wsAuth.Handler(http.HandlerFunc(h.websocket))).Methods(http.MethodGet)

	if dir := strings.TrimSpace(opts.StaticDir); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			router.Handle("/app", http.RedirectHandler("/app/", http.StatusMovedPermanently))
			router.PathPrefix("/app/").Handler(http.StripPrefix("/app/", spaHandler(dir)))
		} else {
			log.WithField("dir", dir).Warn("static directory not found; client will not be served")
		}
	}

	limiter := middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, log.Named("ratelimit"), "/health", "/metrics")
	if err := application.Schedule("ratelimit-cleanup", "@every 10m", func(context.Context) error {
		if n := limiter.Cleanup(limiterIdle); n > 0 {
			log.WithField("count", n).Debug("evicted idle rate limit buckets")
		}
		return nil
	}); err != nil {
		log.WithError(err).Warn("schedule rate limiter cleanup")
	}

	var root http.Handler = router
	root = limiter.Handler(root)
	root = middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler(root)
	root = middleware.MetricsMiddleware(root)
	root = middleware.NewTracingMiddleware(log).Handler(root)
	root = middleware.Recovery(log)(root)
	return root
}

// touchPresence refreshes the caller's liveness on every authenticated call.
func (h *handler) touchPresence(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetUserID(r.Context()); id != "" {
			if err := h.app.Users.Touch(r.Context(), id); err != nil {
				h.log.WithContext(r.Context()).WithError(err).Debug("presence touch failed")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) notFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorResponse(w, http.StatusNotFound, "Route not found", "Cannot "+r.Method+" "+r.URL.Path, nil)
}

func (h *handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "Cannot "+r.Method+" "+r.URL.Path, nil)
}

// spaHandler serves files from dir and falls back to index.html so client
// side routes resolve.
func spaHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name != "" {
			f, err := http.Dir(dir).Open("/" + name)
			if err != nil {
				r2 := r.Clone(r.Context())
				r2.URL.Path = "/"
				files.ServeHTTP(w, r2)
				return
			}
			f.Close()
		}
		files.ServeHTTP(w, r)
	})
}
