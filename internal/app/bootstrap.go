package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/folio/internal/billing"
	"github.com/odyssey-erp/folio/internal/folio"
	"github.com/odyssey-erp/folio/internal/numbering"
	"github.com/odyssey-erp/folio/internal/observability"
	"github.com/odyssey-erp/folio/internal/platform/cache"
	"github.com/odyssey-erp/folio/internal/platform/db"
	"github.com/odyssey-erp/folio/internal/reservation"
	"github.com/odyssey-erp/folio/internal/shared"
)

// Runtime holds the infrastructure shared by the API server and the worker.
type Runtime struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Store   reservation.Store
	Locker  reservation.Locker
	Numbers *numbering.Generator
	Idem    interface {
		folio.IdempotencyPort
		Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	}
	Audit folio.AuditPort

	logger *slog.Logger
}

// Open connects to the configured backends and migrates the schema. Close
// must be called when done.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{logger: logger}

	if cfg.StoreDriver == "postgres" {
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		if err := db.Migrate(ctx, pool, reservation.Schema, numbering.Schema, shared.IdempotencySchema, shared.AuditSchema); err != nil {
			rt.Close()
			return nil, err
		}
		rt.Store = reservation.NewPostgresStore(pool)
		rt.Idem = shared.NewIdempotencyStore(pool)
		rt.Audit = shared.NewAuditLogger(pool)
	} else {
		rt.Store = reservation.NewMemoryStore()
		rt.Idem = shared.NewMemoryIdempotencyStore()
		logger.Warn("using in-memory reservation store; data is lost on restart")
	}

	needRedis := cfg.NumberCounter == "redis" || cfg.StoreDriver == "postgres"
	if needRedis {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Redis = client
		rt.Locker = reservation.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait)
	} else {
		rt.Locker = reservation.NewMemoryLocker(cfg.LockWait)
	}

	var counter numbering.Counter
	switch cfg.NumberCounter {
	case "redis":
		counter = numbering.NewRedisCounter(rt.Redis)
	case "postgres":
		counter = numbering.NewPostgresCounter(rt.Pool)
	default:
		counter = numbering.NewMemoryCounter()
	}
	numbers, err := numbering.NewGenerator(cfg.TenantID, cfg.NumberFormats(), counter)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("numbering: %w", err)
	}
	rt.Numbers = numbers
	return rt, nil
}

// Service wires the billing engine and the folio service on top of rt.
func (rt *Runtime) Service(cfg *Config, metrics *observability.Metrics) *folio.Service {
	engine := billing.NewEngine(cfg.BillingConfig(), rt.Numbers)
	svc := folio.NewService(engine, rt.Store, rt.Locker, rt.Audit, rt.logger)
	svc.WithIdempotency(rt.Idem)
	svc.WithMetrics(metrics)
	return svc
}

// Ping checks the backends are reachable.
func (rt *Runtime) Ping(ctx context.Context) error {
	var errs []error
	if rt.Pool != nil {
		if err := rt.Pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases backend connections.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
