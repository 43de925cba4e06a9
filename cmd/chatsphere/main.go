// Command chatsphere runs the ChatSphere messaging API server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/R3E-Network/chatsphere/internal/app"
	"github.com/R3E-Network/chatsphere/internal/app/httpapi"
	"github.com/R3E-Network/chatsphere/internal/app/storage/postgres"
	"github.com/R3E-Network/chatsphere/internal/config"
	"github.com/R3E-Network/chatsphere/internal/httputil"
	"github.com/R3E-Network/chatsphere/internal/imagehost"
	"github.com/R3E-Network/chatsphere/internal/logging"
	"github.com/R3E-Network/chatsphere/internal/platform/migrations"
	"github.com/R3E-Network/chatsphere/internal/presence"
)

func main() {
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.NewDefault("chatsphere").WithError(err).Fatal("load configuration")
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}).Named("chatsphere")
	if err := run(cfg, log, *migrateOnly); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, log *logging.Logger, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.OptionsFromConfig(cfg)
	var stores app.Stores

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.AutoMigrate || migrateOnly {
			if err := migrations.Up(db.DB); err != nil {
				return err
			}
			log.Info("database migrations applied")
		}
		store := postgres.New(db)
		stores = app.Stores{Users: store, Contacts: store, Messages: store}
		log.Info("using postgres storage")
	} else if migrateOnly {
		return errors.New("DATABASE_URL is required to run migrations")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory storage")
	}
	if migrateOnly {
		return nil
	}

	if cfg.Redis.URL != "" {
		tracker, err := presence.NewRedisTracker(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer tracker.Close()
		opts.Tracker = tracker
		log.Info("using redis presence tracker")
	}

	if cfg.Cloudinary.Enabled() {
		uploader, err := imagehost.NewCloudinary(imagehost.Config{
			CloudName: cfg.Cloudinary.CloudName,
			APIKey:    cfg.Cloudinary.APIKey,
			APISecret: cfg.Cloudinary.APISecret,
			Folder:    cfg.Cloudinary.Folder,
		}, httputil.NewClient(httputil.ClientConfig{Timeout: 60 * time.Second}))
		if err != nil {
			return err
		}
		opts.Uploader = uploader
	}

	application, err := app.New(stores, opts, log.Named("app"))
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(application, httpapi.Options{
		Logger:         log.Named("http"),
		Environment:    cfg.Env,
		AllowedOrigins: cfg.AllowedOrigins(),
		RateLimitRPS:   cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst: cfg.RateLimit.Burst,
		StaticDir:      cfg.Server.StaticDir,
	})

	if err := application.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).WithField("env", cfg.Env).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = application.Stop(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	log.Info("server stopped")
	return nil
}
