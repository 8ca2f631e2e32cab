// Command excalibur is the wiring root for the dispatch/saga runtime
// and its compliance sidecar (SPEC_FULL C12): it loads configuration,
// constructs every C1-C13 component per the selected storage backends,
// and runs the saga timeout poller until interrupted. Grounded on the
// teacher's cmd/bootstrap/main.go (log.Fatalf/log.Println with a
// bracketed prefix, os.Getenv fallbacks, sequential component setup).
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/TrigintaFaces/excalibur/pkg/audit"
	"github.com/TrigintaFaces/excalibur/pkg/auditexport"
	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/config"
	"github.com/TrigintaFaces/excalibur/pkg/dispatch"
	"github.com/TrigintaFaces/excalibur/pkg/envelope"
	"github.com/TrigintaFaces/excalibur/pkg/kms"
	"github.com/TrigintaFaces/excalibur/pkg/middleware"
	"github.com/TrigintaFaces/excalibur/pkg/observability"
	"github.com/TrigintaFaces/excalibur/pkg/saga"
)

func main() {
	configPath := flag.String("config", os.Getenv("EXCALIBUR_CONFIG"), "path to a YAML configuration document")
	flag.Parse()

	runID := uuid.New().String()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("[excalibur] %v", err)
	}
	log.Printf("[excalibur] run %s starting: saga=%s timeout=%s audit=%s", runID, cfg.Storage.SagaBackend, cfg.Storage.SagaTimeoutBackend, cfg.Storage.AuditBackend)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := observability.New(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("[excalibur] observability: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("[excalibur] observability shutdown: %v", err)
		}
	}()

	clk := clock.System{}

	sagaStore, timeoutStore, closeStorage, err := buildSagaStorage(cfg)
	if err != nil {
		log.Fatalf("[excalibur] saga storage: %v", err)
	}
	defer closeStorage()

	journal, err := buildAuditJournal(cfg)
	if err != nil {
		log.Fatalf("[excalibur] audit journal: %v", err)
	}
	rbacJournal := audit.NewRBACJournal(journal)
	_ = rbacJournal // exposed to operator tooling, not exercised by the poll loop itself

	coordinator := saga.NewCoordinator(sagaStore, clk)
	_ = coordinator // driven by handlers registered at the dispatch layer, not started here

	registry := middleware.NewRegistry()
	var evaluatorOpts []middleware.EvaluatorOption
	if !cfg.Applicability.IncludeMiddlewareOnFilterError {
		evaluatorOpts = append(evaluatorOpts, middleware.WithExcludeOnFilterError())
	}
	evaluator := middleware.NewEvaluator(registry, evaluatorOpts...)
	var invokerOpts []middleware.InvokerOption
	if !cfg.Invoker.EnableCaching {
		invokerOpts = append(invokerOpts, middleware.WithCachingDisabled())
	}
	invoker := middleware.NewInvoker(evaluator, nil, invokerOpts...)
	handlerRegistry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(invoker, handlerRegistry)
	_ = dispatcher // handlers are registered by the host embedding this runtime

	keyManager := kms.NewManager()
	if cfg.KMS.EnableAutoRotation {
		log.Printf("[excalibur] kms: auto-rotation enabled, alias prefix %q", cfg.KMS.KeyAliasPrefix)
	}

	exporter := buildExporter(cfg)
	timeoutService := saga.NewTimeoutService(
		timeoutStore,
		saga.JSONMessageFactory(nil),
		func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) error {
			log.Printf("[excalibur] saga timeout delivered: message=%s correlation=%s", msg.TypeName(), mctx.CorrelationID())
			return nil
		},
		saga.WithClock(clk),
	)

	go timeoutService.Run(ctx)

	log.Printf("[excalibur] run %s ready (exporter endpoint=%q, kms keys=%d)", runID, cfg.Exporter.Endpoint, len(keyManager.ListKeys(nil, nil)))
	_ = exporter

	<-ctx.Done()
	log.Printf("[excalibur] run %s shutting down", runID)
	timeoutService.Stop()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

// buildSagaStorage constructs the saga Store and TimeoutStore per
// cfg.Storage, returning a close func that releases any opened handle.
func buildSagaStorage(cfg *config.Config) (saga.Store, saga.TimeoutStore, func(), error) {
	noop := func() {}

	var store saga.Store
	switch cfg.Storage.SagaBackend {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Storage.SQLiteDSN)
		if err != nil {
			return nil, nil, noop, err
		}
		sqliteStore, err := saga.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, noop, err
		}
		store = sqliteStore
		noop = func() { db.Close() }
	default:
		store = saga.NewMemoryStore()
	}

	var timeoutStore saga.TimeoutStore
	switch cfg.Storage.SagaTimeoutBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		timeoutStore = saga.NewRedisTimeoutStore(client, cfg.Storage.RedisKeyPrefix)
		prior := noop
		noop = func() { prior(); client.Close() }
	default:
		if mem, ok := store.(*saga.MemoryStore); ok {
			timeoutStore = mem
		} else {
			timeoutStore = saga.NewMemoryStore()
		}
	}

	return store, timeoutStore, noop, nil
}

func buildAuditJournal(cfg *config.Config) (audit.Journal, error) {
	switch cfg.Storage.AuditBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		j := audit.NewPostgresJournal(db)
		if err := j.Migrate(context.Background()); err != nil {
			return nil, err
		}
		return j, nil
	default:
		return audit.NewMemoryJournal(), nil
	}
}

// buildExporter wires the Exporter with a token-bucket limiter bounding
// its SIEM push rate (SPEC_FULL §4.10), grounded on the teacher's
// GlobalRateLimiter (rate.NewLimiter per caller).
func buildExporter(cfg *config.Config) *auditexport.Exporter {
	opts := []auditexport.Option{
		auditexport.WithBatchSize(cfg.Exporter.MaxBatchSize),
		auditexport.WithMaxRetryAttempts(cfg.Exporter.MaxRetryAttempts),
	}
	if cfg.Exporter.Channel != "" {
		opts = append(opts, auditexport.WithAckChannelHeader(cfg.Exporter.Channel))
	}
	if cfg.Exporter.PushRatePerSecond > 0 {
		burst := cfg.Exporter.PushBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, auditexport.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.Exporter.PushRatePerSecond), burst)))
	}
	return auditexport.New(cfg.Exporter.Endpoint, cfg.Exporter.Token, opts...)
}
