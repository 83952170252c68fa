package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txquery/service/metrics"
	"github.com/jackc/pgx/v5"
)

// Acquirer lends store connections. *Pool implements it.
type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
}

// Store provides read access to recorded transactions.
type Store struct {
	conns   Acquirer
	opts    SearchOptions
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStore creates a new Store leasing connections from conns.
// opts is applied to every SearchTransactions call.
func NewStore(conns Acquirer, opts SearchOptions, m *metrics.Metrics, logger *slog.Logger) *Store {
	return &Store{
		conns:   conns,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// Transaction is a recorded transaction as stored in the data_aggregator table.
type Transaction struct {
	TransHash string
	Sender    string
	Receiver  string
	Amount    int64  // smallest unit
	Time      *int64 // epoch seconds, nil if unrecorded
}

// SearchTransactions returns the transactions matching every present filter,
// using the store's configured ordering and row cap.
func (s *Store) SearchTransactions(ctx context.Context, filters FilterSet) ([]*Transaction, error) {
	return s.SearchTransactionsWithOptions(ctx, filters, s.opts)
}

// SearchTransactionsWithOptions is like SearchTransactions with explicit options.
// The leased connection is released before returning, whatever the outcome.
func (s *Store) SearchTransactionsWithOptions(ctx context.Context, filters FilterSet, opts SearchOptions) ([]*Transaction, error) {
	query, args, err := BuildSearchQuery(filters, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	conn, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	start := time.Now()
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		s.recordQuery(start, err)
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	transactions, err := pgx.CollectRows(rows, scanTransaction)
	s.recordQuery(start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	if s.metrics != nil {
		s.metrics.RecordSearchRows(len(transactions))
	}

	s.logger.DebugContext(ctx, "transactions searched",
		"filters", len(args),
		"count", len(transactions),
	)

	return transactions, nil
}

func (s *Store) recordQuery(start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery("search", TransactionsTable, time.Since(start).Seconds(), err)
	}
}

func scanTransaction(row pgx.CollectableRow) (*Transaction, error) {
	var t Transaction
	if err := row.Scan(&t.TransHash, &t.Sender, &t.Receiver, &t.Amount, &t.Time); err != nil {
		return nil, err
	}
	return &t, nil
}
