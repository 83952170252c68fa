package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txquery/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPoolExhausted is returned when no connection frees up within the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrStoreUnavailable is returned when a connection to the store cannot be established.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrQueryFailed is returned when a search query cannot be built, executed or scanned.
	ErrQueryFailed = errors.New("query failed")
)

const defaultAcquireTimeout = 5 * time.Second

// Conn is a connection leased from the pool.
// Release must be called exactly once when the caller is done with it.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Release()
}

// connSource is the subset of *pgxpool.Pool the Pool leases from.
type connSource interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// PoolConfig holds the connection pool settings.
type PoolConfig struct {
	DatabaseURL       string
	MaxConns          int32
	AcquireTimeout    time.Duration
	HealthCheckPeriod time.Duration
}

// Pool lends connections to the relational store with a bounded wait.
// Connections are dialed lazily up to MaxConns and kept warm between requests.
type Pool struct {
	pool           *pgxpool.Pool
	src            connSource
	acquireTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger

	// saturated reports whether every connection is leased. Nil means the
	// source cannot tell, and a timed out wait counts as exhaustion.
	saturated func() bool
}

// NewPool parses the database configuration and builds the pool.
// No connection is opened until the first Acquire or Ping.
func NewPool(ctx context.Context, cfg PoolConfig, m *metrics.Metrics, logger *slog.Logger) (*Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		pgxCfg.MaxConns = cfg.MaxConns
	}
	pgxCfg.MinConns = 0
	if cfg.HealthCheckPeriod > 0 {
		pgxCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	pgxCfg.AfterRelease = healthyOnRelease

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	p := newPool(pool, cfg.AcquireTimeout, m, logger)
	p.pool = pool
	p.saturated = func() bool {
		stat := pool.Stat()
		return stat.AcquiredConns() >= stat.MaxConns()
	}
	return p, nil
}

func newPool(src connSource, acquireTimeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	return &Pool{
		src:            src,
		acquireTimeout: acquireTimeout,
		metrics:        m,
		logger:         logger,
	}
}

// healthyOnRelease decides whether a returned connection goes back to idle.
// Closed connections and ones left inside a transaction are destroyed and
// replaced lazily on the next demand.
func healthyOnRelease(conn *pgx.Conn) bool {
	if conn.IsClosed() {
		return false
	}
	return conn.PgConn().TxStatus() == 'I'
}

// Acquire leases a connection, waiting at most the configured acquire timeout.
// It returns ErrPoolExhausted when the wait runs out and ErrStoreUnavailable
// when the store cannot be reached.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	start := time.Now()

	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.src.Acquire(acquireCtx)
	if err == nil {
		p.record("success", start)
		return conn, nil
	}

	status := "error"
	switch {
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: acquire abandoned: %w", ErrStoreUnavailable, ctx.Err())
	case errors.Is(acquireCtx.Err(), context.DeadlineExceeded) && p.isSaturated():
		status = "exhausted"
		err = fmt.Errorf("%w: no connection available after %s", ErrPoolExhausted, p.acquireTimeout)
	case errors.Is(acquireCtx.Err(), context.DeadlineExceeded):
		// Free capacity but still no connection: the dial itself hung.
		err = fmt.Errorf("%w: no connection established after %s: %w", ErrStoreUnavailable, p.acquireTimeout, err)
	default:
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	p.record(status, start)
	p.logger.WarnContext(ctx, "failed to acquire database connection",
		"status", status,
		"waited", time.Since(start),
		"error", err,
	)
	return nil, err
}

func (p *Pool) isSaturated() bool {
	return p.saturated == nil || p.saturated()
}

func (p *Pool) record(status string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordPoolAcquire(status, time.Since(start).Seconds())
	}
}

// Ping verifies the store is reachable, dialing a connection if necessary.
func (p *Pool) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Stat returns a snapshot of the pool counters, or nil for a pool without
// an underlying pgxpool.
func (p *Pool) Stat() *pgxpool.Stat {
	if p.pool == nil {
		return nil
	}
	return p.pool.Stat()
}

// Exec runs a statement on a pooled connection. Used by fixtures and tooling.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) error {
	if p.pool == nil {
		return fmt.Errorf("%w: pool not initialized", ErrStoreUnavailable)
	}
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

// Close closes all connections.
func (p *Pool) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
