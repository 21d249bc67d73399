package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/softban/internal/api"
	"github.com/ignite/softban/internal/config"
	"github.com/ignite/softban/internal/pkg/logger"
	"github.com/ignite/softban/internal/repository/dynamo"
	"github.com/ignite/softban/internal/repository/memory"
	"github.com/ignite/softban/internal/repository/postgres"
	"github.com/ignite/softban/internal/repository/redisstore"
	"github.com/ignite/softban/internal/service/softban"
)

// backend holds the block store and the connections behind it.
type backend struct {
	Repo     softban.Repository
	DB       *sql.DB
	Redis    *redis.Client
	Store    api.Pinger // set for backends without a shared client check
	Critical string     // health check that backs Repo
}

// openBackend builds the repository selected by cfg.Storage.Driver.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			// Fail open at request time rather than refusing to start.
			logger.Warn("postgres ping failed at startup", "error", err)
		}
		b.DB, b.Repo, b.Critical = db, postgres.NewBlockRepo(db), "database"

	case config.DriverRedis:
		client, err := b.redisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis ping failed at startup", "error", err)
		}
		b.Repo, b.Critical = redisstore.NewBlockStore(client, cfg.Storage.KeyPrefix), "redis"

	case config.DriverDynamoDB:
		d := cfg.Storage.DynamoDB
		store, err := dynamo.New(ctx, dynamo.Options{
			Table:     d.Table,
			Region:    d.Region,
			Profile:   d.Profile,
			AccessKey: d.AccessKey,
			SecretKey: d.SecretKey,
			Endpoint:  d.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn("dynamodb table check failed at startup", "table", d.Table, "error", err)
		}
		b.Repo, b.Store, b.Critical = store, store, "dynamodb"

	case config.DriverMemory:
		logger.Warn("using in-memory block store; blocks are lost on restart and not shared between instances")
		b.Repo = memory.NewBlockStore()

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	return b, nil
}

// redisClient returns the shared Redis client, connecting on first use. The
// client is returned even when the ping fails so callers can fail open.
func (b *backend) redisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if b.Redis != nil {
		return b.Redis, nil
	}
	b.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := b.Redis.Ping(pingCtx).Err(); err != nil {
		return b.Redis, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	logger.Info("redis connected", "addr", cfg.Addr)
	return b.Redis, nil
}

// healthRedis returns the client for health checks, or an untyped nil.
func (b *backend) healthRedis() redis.UniversalClient {
	if b.Redis == nil {
		return nil
	}
	return b.Redis
}

// healthChecker builds the checker for whichever backends are open.
func (b *backend) healthChecker() *api.HealthChecker {
	hc := api.NewHealthChecker(b.DB, b.healthRedis(), b.Critical)
	if b.Store != nil {
		hc.WithCheck(b.Critical, b.Store)
	}
	return hc
}

// Close releases connections.
func (b *backend) Close() {
	if b.DB != nil {
		b.DB.Close()
	}
	if b.Redis != nil {
		b.Redis.Close()
	}
}
