package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/brojonat/txquery/service/db"
	"github.com/brojonat/txquery/service/metrics"
	natspkg "github.com/brojonat/txquery/service/nats"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AccountLooker fetches account snapshots from the ledger.
type AccountLooker interface {
	LookupAccount(ctx context.Context, address string) (*rpc.Account, error)
}

// TransactionSearcher searches recorded transactions.
type TransactionSearcher interface {
	SearchTransactions(ctx context.Context, filters db.FilterSet) ([]*db.Transaction, error)
}

// Server represents the HTTP server for the query service.
type Server struct {
	addr         string
	accounts     AccountLooker
	transactions TransactionSearcher
	publisher    natspkg.Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	writeTimeout time.Duration
	server       *http.Server
}

const (
	defaultWriteTimeout = 45 * time.Second
	maxResponseHeadroom = 2 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithWriteTimeout sets the HTTP write timeout. Handlers run under a deadline
// slightly shorter than it, so a slow lookup or query is answered with an
// error response instead of a closed connection. Zero disables both.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// New creates a new HTTP server with the given dependencies.
// The publisher is optional - if nil, query events are not published.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, accounts AccountLooker, transactions TransactionSearcher, publisher natspkg.Publisher, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		accounts:     accounts,
		transactions: transactions,
		publisher:    publisher,
		metrics:      m,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	events := &queryEvents{publisher: s.publisher, logger: s.logger}

	mux.Handle("GET /account/{account_id}",
		metrics.HTTPMetricsMiddleware(s.metrics, "account")(handleGetAccount(s.accounts, events, s.logger)))
	mux.Handle("GET /transactions",
		metrics.HTTPMetricsMiddleware(s.metrics, "transactions")(handleSearchTransactions(s.transactions, events, s.logger)))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(deadlineMiddleware(handlerBudget(s.writeTimeout))(recoverMiddleware(s.metrics, s.logger)(mux)))
}

// handlerBudget is how long a handler may run before the write timeout
// would cut its response off.
func handlerBudget(writeTimeout time.Duration) time.Duration {
	if writeTimeout <= 0 {
		return 0
	}
	headroom := writeTimeout / 10
	if headroom > maxResponseHeadroom {
		headroom = maxResponseHeadroom
	}
	return writeTimeout - headroom
}

// Start binds the configured address and serves until Shutdown.
// A bind failure is returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
