package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"biovote/internal/attempt"
	"biovote/internal/auth"
	"biovote/internal/biometric"
	"biovote/internal/biometric/matcher"
	"biovote/internal/biometric/vault"
	"biovote/internal/ledger"
	"biovote/internal/platform/config"
	"biovote/internal/platform/httpserver"
	"biovote/internal/platform/kafka"
	"biovote/internal/platform/logger"
	"biovote/internal/platform/metrics"
	"biovote/internal/platform/postgres"
	"biovote/internal/platform/redis"
	"biovote/internal/ratelimit"
	"biovote/internal/session"
	"biovote/internal/session/tracker"
	"biovote/internal/throttle"
	httptransport "biovote/internal/transport/http"
	"biovote/internal/vote"
	voterstore "biovote/internal/voter/store"
	"biovote/pkg/platform/circuit"
	txcontext "biovote/pkg/platform/tx"
)

// main wires dependencies and supervises the server and background loops.
// Business logic lives in the internal service packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("biovote stopped", "error", err)
		os.Exit(1)
	}
	log.Info("biovote stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	log.Info("starting biovote", "config", cfg.DebugString())
	m := metrics.New()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	voters := voterstore.NewPostgres(db)

	rc, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	sessions, sweeper, err := buildTracker(cfg, db, rc)
	if err != nil {
		return err
	}

	chain, err := buildLedger(ctx, cfg, log, m)
	if err != nil {
		return err
	}

	publisher, closeKafka, err := buildPublisher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeKafka()

	engine, err := buildMatcher(cfg, log, m)
	if err != nil {
		return err
	}

	templates, err := vault.New(vault.NewPostgresStore(db), cfg.Secrets.TemplateKey, cfg.Secrets.BiometricPepper,
		vault.WithLogger(log))
	if err != nil {
		return err
	}

	throttleSvc, err := throttle.New(voters, txcontext.NewSQLRunner(db),
		throttle.WithPolicy(throttle.Policy{
			MaxAttempts:     cfg.Throttle.MaxAttempts,
			LockoutDuration: cfg.Throttle.LockoutDuration,
		}),
		throttle.WithLogger(log),
		throttle.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	attemptOpts := []attempt.Option{attempt.WithLogger(log), attempt.WithMetrics(m)}
	if publisher != nil {
		attemptOpts = append(attemptOpts, attempt.WithPublisher(publisher))
	}
	attempts, err := attempt.New(attempt.NewPostgresStore(db), attemptOpts...)
	if err != nil {
		return err
	}

	issuer, err := session.NewIssuer(cfg.Secrets.VotingSessionSecret, voters,
		session.WithTTL(cfg.Session.TTL),
		session.WithLogger(log),
	)
	if err != nil {
		return err
	}
	admins, err := session.NewAdminAuthority(cfg.Secrets.AdminSessionSecret)
	if err != nil {
		return err
	}

	authSvc, err := auth.New(voters, engine, templates, throttleSvc, attempts, issuer, auth.WithLogger(log))
	if err != nil {
		return err
	}

	// the cast transaction spans the ledger round trip
	voteTx := txcontext.NewSQLRunner(db, txcontext.WithTimeout(cfg.Ledger.Timeout+15*time.Second))
	voteSvc, err := vote.New(voters, vote.NewPostgresStore(db), sessions, issuer, chain, voteTx,
		cfg.Secrets.LedgerPepper,
		vote.WithLogger(log),
		vote.WithMetrics(m),
		vote.WithReplayMargin(cfg.Session.ConsumedMargin),
		vote.WithReconcileAfter(cfg.Ledger.Timeout),
	)
	if err != nil {
		return err
	}

	voting := httptransport.NewVotingHandler(authSvc, issuer, voteSvc, log,
		httptransport.WithAuthLimiter(buildAuthLimiter(cfg, rc, log)))
	routerCfg := httptransport.Config{
		Logger:         log,
		Metrics:        m,
		RequestTimeout: cfg.Server.RequestTimeout,
		Voting:         voting,
		Admin:          httptransport.NewAdminHandler(admins, attempts, voters, engine, templates, log),
		Database:       db,
		Ledger:         chain,
	}
	if rc != nil {
		routerCfg.Cache = rc
	}
	router := httptransport.NewRouter(routerCfg)
	srv := httpserver.New(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout)
	})
	if sweeper != nil {
		g.Go(func() error {
			return tracker.RunSweeper(gctx, sweeper, cfg.Session.SweepInterval, log, m)
		})
	}
	g.Go(func() error {
		return voteSvc.RunReconciler(gctx, cfg.Session.ReconcileInterval)
	})
	return g.Wait()
}

// buildTracker returns the single-use tracker and, for Postgres, its sweeper.
// Redis entries expire on their own.
func buildTracker(cfg config.Config, db *sql.DB, rc *redis.Client) (tracker.Tracker, tracker.Sweeper, error) {
	if cfg.Session.Tracker != config.TrackerRedis {
		t := tracker.NewPostgres(db)
		return t, t, nil
	}
	if rc == nil {
		return nil, nil, errors.New("SESSION_TRACKER=redis requires REDIS_URL")
	}
	return tracker.NewRedis(rc.Client), nil, nil
}

// buildAuthLimiter shares the window through Redis when it is configured so
// every replica sees the same station budget.
func buildAuthLimiter(cfg config.Config, rc *redis.Client, log *slog.Logger) func(http.Handler) http.Handler {
	var store ratelimit.Store = ratelimit.NewInMemoryStore()
	if rc != nil {
		store = ratelimit.NewRedisStore(rc.Client)
	}
	return ratelimit.New(store, cfg.RateLimit.AuthLimit, cfg.RateLimit.AuthWindow, log).Middleware("authenticate")
}

// buildLedger dials the contract when one is configured. Without a contract
// address votes cannot be cast but authentication still works.
func buildLedger(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*ledger.Guarded, error) {
	breaker := circuit.New("ledger",
		circuit.WithFailureThreshold(cfg.Ledger.FailureThreshold),
		circuit.WithCooldown(cfg.Ledger.Cooldown),
	)
	guardOpts := []ledger.GuardOption{
		ledger.WithTimeout(cfg.Ledger.Timeout),
		ledger.WithBreaker(breaker),
		ledger.WithLogger(log),
		ledger.WithMetrics(m),
	}
	if cfg.Ledger.ContractAddress == "" {
		log.Warn("no ledger contract configured; vote casting is disabled")
		return ledger.NewGuarded(ledger.Disconnected{}, guardOpts...), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Ledger.Timeout)
	defer cancel()
	client, err := ledger.DialEthereum(dialCtx, cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress,
		cfg.Secrets.LedgerOperatorKeyHex, cfg.Ledger.ChainID, ledger.WithEthereumLogger(log))
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	log.Info("ledger connected", "operator", client.Operator().Hex(), "chain_id", cfg.Ledger.ChainID)
	return ledger.NewGuarded(client, guardOpts...), nil
}

func buildPublisher(ctx context.Context, cfg config.Config, log *slog.Logger) (attempt.Publisher, func(), error) {
	client, err := kafka.NewClient(cfg.Kafka)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return nil, func() {}, nil
	}
	setupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := kafka.EnsureTopic(setupCtx, client, cfg.Kafka.AttemptsTopic, cfg.Kafka.Partitions, cfg.Kafka.Replication); err != nil {
		client.Close()
		return nil, nil, err
	}
	closeFn := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Flush(flushCtx); err != nil {
			log.Warn("kafka flush on shutdown failed", "error", err)
		}
		client.Close()
	}
	return attempt.NewKafkaPublisher(client, cfg.Kafka.AttemptsTopic, log), closeFn, nil
}

// buildMatcher registers the face capability when a cascade is configured and
// the fingerprint capability when enabled.
func buildMatcher(cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*matcher.Engine, error) {
	opts := []matcher.Option{
		matcher.WithTimeout(cfg.Biometric.MatchTimeout),
		matcher.WithThreshold(biometric.ModalityFace, cfg.Biometric.FaceThreshold),
		matcher.WithThreshold(biometric.ModalityFingerprint, cfg.Biometric.FingerprintThreshold),
		matcher.WithLogger(log),
		matcher.WithMetrics(m),
	}
	if path := cfg.Biometric.FaceCascadePath; path != "" {
		det, err := matcher.NewPigoDetector(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, matcher.WithCapability(matcher.NewCapability(biometric.ModalityFace, det)))
	} else {
		log.Warn("FACE_CASCADE_PATH not set; face authentication is unavailable")
	}
	if cfg.Biometric.FingerprintEnabled {
		opts = append(opts, matcher.WithCapability(
			matcher.NewCapability(biometric.ModalityFingerprint, matcher.FrameDetector{MinStdDev: 8})))
	}
	return matcher.New(opts...)
}
