package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"hushh/internal/agents"
	"hushh/internal/config"
	"hushh/internal/consent"
	"hushh/internal/db"
	"hushh/internal/events"
	"hushh/internal/llm"
	"hushh/internal/migrate"
	"hushh/internal/outbox"
	"hushh/internal/repo"
	"hushh/internal/server"
	"hushh/internal/trustlink"
	"hushh/internal/vault"
	"hushh/internal/workflow"
)

// App is the fully wired service for one data directory.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Codec       consent.Codec
	Guard       consent.Guard
	Revocations consent.RevocationStore
	Links       trustlink.Issuer
	Vault       *vault.Store
	Registry    *agents.Registry
	Engine      *workflow.Engine
	Logger      *slog.Logger
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenRepo opens and migrates the database named by cfg.
func OpenRepo(ctx context.Context, cfg *config.Config) (repo.Repo, error) {
	conn, err := db.Open(db.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		return repo.Repo{}, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return repo.Repo{}, fmt.Errorf("migrate: %w", err)
	}
	return repo.Repo{DB: conn}, nil
}

// Open wires the store, consent layer, vault, agents and engine. The engine
// is idle until Start is called.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret, err := cfg.SecretKey()
	if err != nil {
		return nil, err
	}
	master, err := cfg.VaultMasterKey()
	if err != nil {
		return nil, err
	}
	cipher, err := vault.NewCipher(master)
	if err != nil {
		return nil, err
	}
	r, err := OpenRepo(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: r.DB, Repo: r, Logger: logger}

	switch cfg.Revocation.Backend {
	case "redis":
		rc := cfg.Revocation.Redis
		a.Revocations = consent.NewRedisRevocations(rc.Addr, cfg.RedisPassword(), rc.DB, rc.Prefix)
	default:
		a.Revocations = consent.NewSQLRevocations(r, a.Events, nil)
	}
	a.Codec = consent.Codec{Secret: secret, MaxTTL: cfg.Consent.MaxTTL}
	a.Guard = consent.Guard{Validator: a.Codec.Validator(), Revocations: a.Revocations, Logger: logger}
	a.Links = trustlink.Issuer{
		Secret: secret,
		Guard:  a.Guard,
		MaxTTL: cfg.Consent.MaxTTL,
		Repo:   &r,
		Events: a.Events,
	}
	a.Vault = &vault.Store{
		Repo:    r,
		Events:  a.Events,
		Guard:   a.Guard,
		Links:   a.Links.Validator(),
		Cipher:  cipher,
		Catalog: vault.NewCatalog(cfg.Vault.DefaultCategory, cfg.Vault.Catalog),
		Logger:  logger,
	}

	a.Registry = agents.NewRegistry()
	err = agents.RegisterBuiltins(a.Registry, agents.Builtins{
		Gen:           generator(cfg),
		Mail:          outbox.SQLSink{Repo: r, Channel: outbox.ChannelMail},
		Calendar:      outbox.SQLSink{Repo: r, Channel: outbox.ChannelCalendar},
		MailFrom:      cfg.Agents.Mailer.From,
		MaxRecipients: cfg.Agents.Mailer.MaxRecipients,
		LinkTTL:       cfg.Agents.Research.LinkTTL,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = workflow.New(workflow.Config{
		Repo:            r,
		Events:          a.Events,
		Registry:        a.Registry,
		Guard:           a.Guard,
		Cipher:          cipher,
		Vault:           a.Vault,
		Links:           a.Links,
		Workers:         cfg.Workflow.Workers,
		Generation:      retry(cfg.Workflow.Generation),
		Execution:       retry(cfg.Workflow.Execution),
		ApprovalTimeout: cfg.Workflow.ApprovalTimeout,
		Logger:          logger,
	})
	return a, nil
}

func generator(cfg *config.Config) llm.Generator {
	if cfg.LLM.Provider == "openai" {
		return llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLMAPIKey(), cfg.LLM.Model, cfg.LLM.Timeout)
	}
	return llm.Static{}
}

func retry(c config.RetryConfig) workflow.Retry {
	return workflow.Retry{MaxAttempts: c.MaxAttempts, InitialInterval: c.InitialInterval, MaxInterval: c.MaxInterval}
}

// Start recovers interrupted runs and launches the background loops. They
// stop when ctx is done.
func (a *App) Start(ctx context.Context) error {
	n, err := a.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if n > 0 {
		a.Logger.InfoContext(ctx, "recovered runs", "count", n)
	}
	go a.Engine.RunSweeper(ctx, a.Config.Workflow.SweepInterval)
	go consent.RunCleanup(ctx, a.Revocations, a.Config.Revocation.CleanupInterval, a.Logger)
	if len(a.Config.Webhooks) > 0 {
		d := &server.WebhookDispatcher{Repo: a.Repo, Hooks: a.Config.Webhooks, Logger: a.Logger}
		go d.Run(ctx)
	}
	return nil
}

// Handler builds the HTTP API over the wired service.
func (a *App) Handler() (http.Handler, error) {
	c := a.Config
	return server.New(server.Config{
		Engine:       a.Engine,
		Codec:        a.Codec,
		Guard:        a.Guard,
		Revocations:  a.Revocations,
		Links:        a.Links,
		Vault:        a.Vault,
		Repo:         a.Repo,
		Issuer:       c.Consent.Issuer,
		DefaultTTL:   c.Consent.DefaultTTL,
		BasePath:     c.Server.BasePath,
		ExecuteWait:  c.Server.ExecuteWait,
		MaxBodyBytes: c.Server.MaxBodyBytes,
		Auth:         server.AuthConfig{RequireAPIKey: c.Server.RequireAPIKey, Logger: a.Logger},
		RateLimit:    server.RateLimit{RPS: c.Server.RateLimit.RPS, Burst: c.Server.RateLimit.Burst},
		Logger:       a.Logger,
	})
}

func (a *App) Close() error {
	if a.Engine != nil {
		a.Engine.Close()
	}
	if c, ok := a.Revocations.(io.Closer); ok {
		c.Close()
	}
	return a.DB.Close()
}
