// Command hanashid runs the hanashi backend: the login API, the websocket
// socket endpoint, the agent runner, and the optional MCP mount.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hanashi/internal/agent"
	"github.com/ashita-ai/hanashi/internal/auth"
	"github.com/ashita-ai/hanashi/internal/config"
	"github.com/ashita-ai/hanashi/internal/mcp"
	"github.com/ashita-ai/hanashi/internal/ratelimit"
	"github.com/ashita-ai/hanashi/internal/server"
	"github.com/ashita-ai/hanashi/internal/storage"
	"github.com/ashita-ai/hanashi/internal/telemetry"
	"github.com/ashita-ai/hanashi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HANASHI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hanashi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the database and apply embedded migrations.
	db, err := storage.New(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	if err := bootstrapUser(ctx, db, cfg, logger); err != nil {
		return fmt.Errorf("bootstrap user: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.SocketTokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Workspace directory for agent tools.
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o750); err != nil {
		return fmt.Errorf("workspace dir: %w", err)
	}
	runner := agent.New(agent.Config{
		Tools: []agent.Tool{
			agent.WriteFileTool{Root: cfg.WorkspaceDir},
			agent.ListFilesTool{Root: cfg.WorkspaceDir},
		},
		ChunkInterval: cfg.ChunkInterval,
		Logger:        logger,
	})

	hub := server.NewHub(db, runner, logger)
	defer hub.Close()

	limiter := ratelimit.NewMemoryLimiter(cfg.SendRatePerMinute, cfg.SendBurst)
	defer func() { _ = limiter.Close() }()

	srvCfg := server.ServerConfig{
		DB:            db,
		JWTMgr:        jwtMgr,
		Hub:           hub,
		Limiter:       limiter,
		Logger:        logger,
		Port:          cfg.Port,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		Version:       version,
		MaxFrameBytes: cfg.MaxFrameBytes,
	}
	if cfg.MCPEnabled {
		srvCfg.MCPServer = mcp.New(db, version, logger).MCPServer()
	}
	srv := server.New(srvCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("hanashi shutting down")

		// Abort in-flight agent turns first; each room persists its settled
		// snapshot before the HTTP drain starts closing sockets.
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("hanashi stopped")
	return nil
}

// bootstrapUser creates the first login when the users table is empty. With
// no configured password a random one is generated and logged once, so a
// fresh dev install is immediately usable.
func bootstrapUser(ctx context.Context, db *storage.DB, cfg config.Config, logger *slog.Logger) error {
	n, err := db.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	password := cfg.BootstrapPassword
	generated := false
	if password == "" {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate password: %w", err)
		}
		password = hex.EncodeToString(raw)
		generated = true
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user, err := db.CreateUser(ctx, storage.User{Email: cfg.BootstrapEmail, PasswordHash: hash})
	if err != nil {
		return err
	}

	if generated {
		logger.Info("bootstrap user created with generated password",
			"email", user.Email, "password", password)
	} else {
		logger.Info("bootstrap user created", "email", user.Email)
	}
	return nil
}
