package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/relay/internal/invite"
	"github.com/Tyrowin/relay/internal/presence"
	"github.com/Tyrowin/relay/internal/server"
	"github.com/Tyrowin/relay/internal/session"
	"github.com/Tyrowin/relay/internal/store"
	"github.com/Tyrowin/relay/internal/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile, addr string

	flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&envFile, "env-file", ".env", "path to a dotenv file (ignored when missing)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides SERVER_PORT")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	envErr := loadEnvFile(envFile)

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Port = addr
	}

	logger := setupLogger(cfg)
	if envErr != nil {
		logger.Warn("could not load env file", "path", envFile, "error", envErr)
	}

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		secret, err = session.RandomSecret()
		if err != nil {
			return err
		}
		logger.Warn("JWT_SECRET not set; using a random secret, tokens will not survive a restart")
	}
	sessions, err := session.NewService(session.Config{
		Secret:   secret,
		Issuer:   cfg.Auth.Issuer,
		AdminTTL: cfg.Auth.AdminTokenTTL,
		GuestTTL: cfg.Auth.GuestTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("session service: %w", err)
	}

	blobs := store.NewDiskBlobStore(cfg.Storage.UploadDir, logger)
	var messages store.MessageStore
	if cfg.Storage.DatabasePath != "" {
		db, err := sqlite.Open(cfg.Storage.DatabasePath, blobs)
		if err != nil {
			return fmt.Errorf("open message store: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("close message store", "error", err)
			}
		}()
		messages = db
		logger.Info("using sqlite message store", "path", cfg.Storage.DatabasePath)
	} else {
		messages = store.NewMemoryStore(blobs)
		logger.Info("using in-memory message store")
	}

	srv, err := server.New(cfg, server.Deps{
		Sessions: sessions,
		Invites:  invite.NewLedger(invite.WithRetention(cfg.Invite.Retention)),
		Presence: presence.NewRegistry(presence.WithParser(presence.UserAgentParser{Logger: logger})),
		Messages: messages,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := server.CreateServer(cfg.Port, srv.Routes(), logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	if err := srv.Hub().Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}
	return server.ShutdownServer(httpServer, shutdownTimeout, logger)
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func setupLogger(cfg server.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
