// Package store persists the refresh journal in Postgres.
//
// # Design
//
// The store uses raw SQL with pgx. It holds one row per refresh run and no
// metric values; the published snapshot is the only view of current health.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/portal-health/pkg/types"
)

// DefaultRunLimit bounds ListRuns when no limit is given.
const DefaultRunLimit = 100

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool (used by migrations).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// REFRESH RUNS
// =============================================================================

// RecordRun inserts a refresh run.
func (s *Store) RecordRun(ctx context.Context, run *types.RefreshRun) error {
	var sequence *int64
	if run.Sequence > 0 {
		v := int64(run.Sequence)
		sequence = &v
	}
	var runErr *string
	if run.Error != "" {
		runErr = &run.Error
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_runs (id, class, sequence, trigger_source, started_at, duration_ms, reported, total, successful, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		run.ID, run.Class, sequence, run.Trigger, run.StartedAt,
		float64(run.Duration)/float64(time.Millisecond),
		run.Reported, run.Total, run.Successful, runErr,
	)
	if err != nil {
		return fmt.Errorf("inserting refresh run: %w", err)
	}
	return nil
}

// RunFilter selects refresh runs.
type RunFilter struct {
	Class      string
	FailedOnly bool
	Since      time.Time
	Limit      int
}

// buildRunsQuery returns the SQL and arguments for filter.
func buildRunsQuery(filter RunFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Class != "" {
		args = append(args, filter.Class)
		conds = append(conds, fmt.Sprintf("class = $%d", len(args)))
	}
	if filter.FailedOnly {
		conds = append(conds, "NOT successful")
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("started_at >= $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = DefaultRunLimit
	}

	var b strings.Builder
	b.WriteString(`SELECT id::text, class, COALESCE(sequence, 0), trigger_source, started_at, duration_ms, reported, total, successful, COALESCE(error, '') FROM refresh_runs`)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY started_at DESC LIMIT $%d", len(args))
	return b.String(), args
}

// ListRuns returns refresh runs, newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]types.RefreshRun, error) {
	query, args := buildRunsQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying refresh runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.RefreshRun, error) {
		var (
			r          types.RefreshRun
			sequence   int64
			durationMs float64
		)
		err := row.Scan(&r.ID, &r.Class, &sequence, &r.Trigger, &r.StartedAt, &durationMs,
			&r.Reported, &r.Total, &r.Successful, &r.Error)
		r.Sequence = uint64(sequence)
		r.Duration = time.Duration(durationMs * float64(time.Millisecond))
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning refresh runs: %w", err)
	}
	return runs, nil
}

// PruneRuns deletes runs older than maxAge and returns how many were
// removed.
func (s *Store) PruneRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_runs WHERE started_at < $1`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("pruning refresh runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// RETENTION
// =============================================================================

// Pruner is the part of the store used by the retention worker.
type Pruner interface {
	PruneRuns(ctx context.Context, maxAge time.Duration) (int64, error)
}

// RetentionWorker periodically prunes old refresh runs.
type RetentionWorker struct {
	store    Pruner
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRetentionWorker creates a retention worker.
func NewRetentionWorker(store Pruner, interval, maxAge time.Duration, logger *slog.Logger) *RetentionWorker {
	return &RetentionWorker{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With("component", "retention_worker"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the worker in a goroutine.
func (w *RetentionWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it.
func (w *RetentionWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *RetentionWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("retention worker started", "interval", w.interval, "max_age", w.maxAge)

	// Run immediately on start
	w.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *RetentionWorker) prune(ctx context.Context) {
	n, err := w.store.PruneRuns(ctx, w.maxAge)
	if err != nil {
		w.logger.Error("failed to prune refresh runs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("pruned refresh runs", "count", n)
	}
}
