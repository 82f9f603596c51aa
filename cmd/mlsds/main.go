// Package main is the CLI entrypoint for mlsds. It provides subcommands for
// running the server (serve), managing database migrations (migrate), and
// printing version information (version). The serve command loads
// configuration, connects to PostgreSQL and NATS, runs pending migrations,
// wires every component (identity, service-auth, dispatch, key packages,
// policy, sequencer, transfer, fan-out, janitor), starts the xrpc HTTP
// server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mlsds/mlsds/internal/config"
	"github.com/mlsds/mlsds/internal/database"
	"github.com/mlsds/mlsds/internal/dispatch"
	"github.com/mlsds/mlsds/internal/events"
	"github.com/mlsds/mlsds/internal/fanout"
	"github.com/mlsds/mlsds/internal/identity"
	"github.com/mlsds/mlsds/internal/janitor"
	"github.com/mlsds/mlsds/internal/keypackage"
	"github.com/mlsds/mlsds/internal/policy"
	"github.com/mlsds/mlsds/internal/sequencer"
	"github.com/mlsds/mlsds/internal/serviceauth"
	"github.com/mlsds/mlsds/internal/transfer"
	"github.com/mlsds/mlsds/internal/xrpc"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mlsds — MLS group-messaging delivery service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mlsds <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the delivery service")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  mlsds.toml (or set MLSDS_CONFIG_PATH)")
	fmt.Println("  Env overrides use the original service's unprefixed names (SERVICE_DID, DATABASE_URL, ...).")
}

// runServe starts the full delivery service: loads config, connects to
// PostgreSQL and NATS, runs migrations, wires every component, starts the
// xrpc HTTP server, and handles graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting mlsds", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath), slog.String("serviceDid", cfg.Instance.ServiceDID))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	store := database.NewStore(db)

	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()
	if err := bus.EnsureStreams(); err != nil {
		return fmt.Errorf("ensuring NATS streams: %w", err)
	}

	signingKey, err := loadOrGenerateSigningKey(cfg.Federation.SigningKeyPEM, logger)
	if err != nil {
		return fmt.Errorf("loading federation signing key: %w", err)
	}

	var defaultRecord *identity.Record
	if cfg.Federation.DefaultDSEndpoint != "" {
		defaultRecord = &identity.Record{Endpoint: cfg.Federation.DefaultDSEndpoint}
	}
	idResolver := identity.NewResolver(identity.NewHTTPDirectory(cfg.Federation.OutboundConnectTimeout()), cfg.Federation.EndpointCacheTTL(), defaultRecord)

	var authSvc *serviceauth.Service
	if cfg.Auth.JWTSecret != "" {
		logger.Warn("serviceauth running in HMAC test mode; do not use JWT_SECRET in production")
		authSvc = serviceauth.NewHMAC(cfg.Instance.ServiceDID, []byte(cfg.Auth.JWTSecret))
	} else {
		authSvc = serviceauth.New(cfg.Instance.ServiceDID, signingKey, idResolver)
	}

	dispatcher := dispatch.New(cfg.Instance.ServiceDID, idResolver, store, authSvc, dispatch.DefaultConfig(), logger)

	kp := keypackage.New(db.Pool, cfg.KeyPackages.MaxPerDevice, cfg.KeyPackages.ParseConcurrency)

	gate := policy.New(store, store)

	fanoutEngine := fanout.New(store, bus, fanout.NullMailbox{}, logger)
	if err := fanoutEngine.Start(); err != nil {
		return fmt.Errorf("starting fan-out engine: %w", err)
	}
	commitNotifier := fanout.NewCommitNotifier(bus, logger)

	seq := sequencer.New(store, kp, gate, commitNotifier, 64)

	xfer := transfer.New(store, selfTargetAuthenticator{})

	srv := xrpc.NewServer(cfg, store, db, bus, idResolver, authSvc, dispatcher, kp, gate, seq, xfer, fanoutEngine, logger, version)

	jan := janitor.New(store, janitor.Config{
		SweepInterval:           cfg.Janitor.CleanupInterval(),
		MaxKeyPackagesPerDevice: cfg.KeyPackages.MaxPerDevice,
		MessageTTL:              time.Duration(cfg.Retention.MessageTTLDays) * 24 * time.Hour,
		EventStreamTTL:          time.Duration(cfg.Retention.EventStreamTTLDays) * 24 * time.Hour,
	}, logger)
	jan.Start(ctx)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("xrpc server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	jan.Stop()
	seq.Shutdown(15 * time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("xrpc server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("mlsds stopped")
	return nil
}

// selfTargetAuthenticator implements transfer.PeerAuthenticator under the
// single-org-per-peer model transfer.go's doc comment describes: a delivery
// service may only request a conversation's authority be handed to itself.
type selfTargetAuthenticator struct{}

func (selfTargetAuthenticator) Authorized(ctx context.Context, convoID, callerDID, targetSequencerDID string) (bool, error) {
	return identity.Canonicalize(callerDID) == identity.Canonicalize(targetSequencerDID), nil
}

// loadOrGenerateSigningKey parses an Ed25519 private key from PEM, or
// generates an ephemeral one for local/dev use when none is configured —
// grounded on the teacher's ensureLocalInstance, which does the same for a
// freshly bootstrapped instance rather than refusing to start.
func loadOrGenerateSigningKey(pemStr string, logger *slog.Logger) (ed25519.PrivateKey, error) {
	if pemStr == "" {
		logger.Warn("no federation signing key configured; generating an ephemeral key for this process only")
		_, priv, err := ed25519.GenerateKey(nil)
		return priv, err
	}

	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("signing_key_pem is not valid PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing_key_pem does not contain an Ed25519 private key")
	}
	return priv, nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("mlsds %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from MLSDS_CONFIG_PATH env var or
// the default "mlsds.toml".
func configPath() string {
	if p := os.Getenv("MLSDS_CONFIG_PATH"); p != "" {
		return p
	}
	return "mlsds.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
