package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/portal-health/pkg/types"
)

// PostgresProbe measures round-trip time of a ping against desc.Target
// (a postgres:// URL). One small pool is kept per target across cycles.
type PostgresProbe struct {
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewPostgresProbe creates the postgres probe.
func NewPostgresProbe(logger *slog.Logger) *PostgresProbe {
	return &PostgresProbe{
		logger: logger.With("component", "postgres_probe"),
		pools:  make(map[string]*pgxpool.Pool),
	}
}

func (p *PostgresProbe) Name() string          { return "postgres" }
func (p *PostgresProbe) Kind() types.ProbeKind { return types.KindReachability }

func (p *PostgresProbe) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pool, ok := p.pools[dsn]; ok {
		return pool, nil
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MaxConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute

	// Connections are established lazily by Ping.
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	p.pools[dsn] = pool
	p.logger.Debug("opened probe pool", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return pool, nil
}

func (p *PostgresProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	return execute(ctx, desc.Name, func(ctx context.Context) (types.Reading, error) {
		pool, err := p.pool(ctx, desc.Target)
		if err != nil {
			return types.Reading{}, err
		}

		start := time.Now()
		if err := pool.Ping(ctx); err != nil {
			return types.Reading{}, fmt.Errorf("database ping: %w", err)
		}
		stat := pool.Stat()
		return types.Reading{
			Value:  elapsedMs(start),
			Detail: fmt.Sprintf("%d/%d connections in use", stat.AcquiredConns(), stat.MaxConns()),
		}, nil
	})
}

// Close closes every pool.
func (p *PostgresProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dsn, pool := range p.pools {
		pool.Close()
		delete(p.pools, dsn)
	}
	return nil
}

// RedisProbe measures round-trip time of PING against desc.Target
// (a redis:// URL).
type RedisProbe struct {
	mu      sync.Mutex
	clients map[string]*redis.Client
}

// NewRedisProbe creates the redis probe.
func NewRedisProbe() *RedisProbe {
	return &RedisProbe{clients: make(map[string]*redis.Client)}
}

func (p *RedisProbe) Name() string          { return "redis" }
func (p *RedisProbe) Kind() types.ProbeKind { return types.KindReachability }

func (p *RedisProbe) client(url string) (*redis.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[url]; ok {
		return c, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.MaxRetries = -1 // a probe measures one attempt
	c := redis.NewClient(opts)
	p.clients[url] = c
	return c, nil
}

func (p *RedisProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	return execute(ctx, desc.Name, func(ctx context.Context) (types.Reading, error) {
		c, err := p.client(desc.Target)
		if err != nil {
			return types.Reading{}, err
		}

		start := time.Now()
		if err := c.Ping(ctx).Err(); err != nil {
			return types.Reading{}, fmt.Errorf("redis ping: %w", err)
		}
		return types.Reading{Value: elapsedMs(start)}, nil
	})
}

// Close closes every client.
func (p *RedisProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for url, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, url)
	}
	return errors.Join(errs...)
}
