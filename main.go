package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatwave/internal/api"
	"chatwave/internal/auth"
	"chatwave/internal/commands"
	"chatwave/internal/config"
	"chatwave/internal/filestore"
	"chatwave/internal/http"
	"chatwave/internal/models"
	"chatwave/internal/presence"
	"chatwave/internal/push"
	"chatwave/internal/relay"
	"chatwave/internal/rooms"
	"chatwave/internal/session"
	"chatwave/internal/storage"
	"chatwave/internal/ws"

	"golang.org/x/sync/errgroup"
)

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		return storage.NewMongoStorage(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return storage.NewBboltStorage(cfg.DBFile)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chatwave", flag.ContinueOnError)
	addUser := fs.String("add-user", "", "Username to create (creates user with random password and prints details)")
	email := fs.String("email", "", "Email for the user created with -add-user")
	admin := fs.Bool("admin", false, "Give the user created with -add-user the admin role")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if *addUser != "" {
		role := models.UserRoleUser
		if *admin {
			role = models.UserRoleAdmin
		}
		return commands.AddUser(os.Stdout, api.AddUserRequest{Username: *addUser, Email: *email, Role: role}, cfg)
	}

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, store)
	if err != nil {
		return err
	}

	blobs, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return fmt.Errorf("failed to open uploads directory: %w", err)
	}

	registry := rooms.NewRegistry()
	notifier, err := newNotifier(cfg, store, registry)
	if err != nil {
		return err
	}
	signals := presence.NewBroadcaster(registry, store)
	wsServer := ws.NewServer(ctx, authService, ws.Services{
		Rooms:    registry,
		Relay:    relay.New(ctx, store, registry, relay.Config{ProfileTTL: cfg.ProfileCacheTTL, Notifier: notifier}),
		Signals:  signals,
		Sessions: session.NewManager(store, registry, signals),
		Groups:   store,
	})
	apiHandlers := api.New(authService, store, filestore.NewAttachments(blobs, store, cfg.MaxUploadSize), registry, notifier.PublicKey())

	adminServer := http.NewAdminServer(api.NewAdminHandler(authService, registry), cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && !errors.Is(err, oshttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && !errors.Is(err, oshttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal) or a failed listener.
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("api server shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// newNotifier falls back to a throwaway VAPID pair when none is configured.
// Browsers must subscribe again after every restart in that case.
func newNotifier(cfg *config.Config, store storage.Store, registry *rooms.Registry) (*push.Notifier, error) {
	public, private := cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey
	if public == "" {
		var err error
		public, private, err = push.GenerateKeys()
		if err != nil {
			return nil, err
		}
		slog.Warn("VAPID keys not configured, using ephemeral keys", "public_key", public)
	}
	return push.NewNotifier(push.Config{
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
		Subscriber:      cfg.VAPIDSubject,
	}, store, registry)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
