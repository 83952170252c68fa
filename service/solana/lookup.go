package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txquery/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrRPCUnavailable is returned when the account lookup fails for any
	// reason other than a timeout.
	ErrRPCUnavailable = errors.New("rpc unavailable")
	// ErrRPCTimeout is returned when the lookup exceeds its deadline.
	ErrRPCTimeout = errors.New("rpc timeout")
)

const defaultLookupWorkers = 16

// LookupConfig controls how account lookups are executed.
type LookupConfig struct {
	// Workers bounds the number of RPC calls in flight at once.
	Workers int
	// Timeout bounds a single lookup. Zero disables the deadline.
	Timeout time.Duration
	// CacheTTL enables a read-through account cache when positive.
	CacheTTL time.Duration
	// Endpoint labels RPC metrics.
	Endpoint string
}

// AccountLookup fetches account snapshots from a Solana RPC node.
//
// The RPC client blocks for the whole round trip, so each call runs on its
// own goroutine holding one of a fixed number of worker slots. Callers wait
// on the result or their context, never on the call itself, which keeps a
// slow node from stalling unrelated requests.
type AccountLookup struct {
	rpc      RPCClient
	slots    *semaphore.Weighted
	timeout  time.Duration
	cache    *ttlcache.Cache[string, *rpc.Account]
	endpoint string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type lookupResult struct {
	account *rpc.Account
	err     error
}

// NewAccountLookup creates an AccountLookup backed by rpcClient.
// Call Close to stop the cache janitor when a cache is configured.
func NewAccountLookup(rpcClient RPCClient, cfg LookupConfig, m *metrics.Metrics, logger *slog.Logger) *AccountLookup {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultLookupWorkers
	}

	a := &AccountLookup{
		rpc:      rpcClient,
		slots:    semaphore.NewWeighted(int64(workers)),
		timeout:  cfg.Timeout,
		endpoint: cfg.Endpoint,
		metrics:  m,
		logger:   logger,
	}

	if cfg.CacheTTL > 0 {
		a.cache = ttlcache.New(
			ttlcache.WithTTL[string, *rpc.Account](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *rpc.Account](),
		)
		go a.cache.Start()
	}

	return a
}

// Close releases background resources.
func (a *AccountLookup) Close() {
	if a.cache != nil {
		a.cache.Stop()
	}
}

// LookupAccount validates address and fetches its current account snapshot.
// Invalid addresses fail with ErrInvalidAddress before any RPC traffic.
func (a *AccountLookup) LookupAccount(ctx context.Context, address string) (*rpc.Account, error) {
	pubkey, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	key := pubkey.String()
	if a.cache != nil {
		if item := a.cache.Get(key); item != nil {
			a.recordCache(true)
			return item.Value(), nil
		}
		a.recordCache(false)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := a.slots.Acquire(ctx, 1); err != nil {
		return nil, a.abandoned(ctx, address)
	}

	results := make(chan lookupResult, 1)
	go a.fetch(ctx, pubkey, results)

	select {
	case res := <-results:
		if res.err != nil {
			a.logger.WarnContext(ctx, "account lookup failed",
				"address", address,
				"error", res.err,
			)
			return nil, res.err
		}
		if a.cache != nil {
			a.cache.Set(key, res.account, ttlcache.DefaultTTL)
		}
		return res.account, nil
	case <-ctx.Done():
		return nil, a.abandoned(ctx, address)
	}
}

// fetch performs the blocking RPC call while holding a worker slot.
// results must be buffered so an abandoned caller never blocks the worker.
func (a *AccountLookup) fetch(ctx context.Context, pubkey solana.PublicKey, results chan<- lookupResult) {
	defer a.slots.Release(1)

	if a.metrics != nil {
		a.metrics.RecordWorkerBusy(1)
		defer a.metrics.RecordWorkerBusy(-1)
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("account lookup worker panicked",
				"address", pubkey.String(),
				"panic", r,
			)
			results <- lookupResult{err: fmt.Errorf("%w: lookup worker failed: %v", ErrRPCUnavailable, r)}
		}
	}()

	start := time.Now()
	out, err := a.rpc.GetAccountInfo(ctx, pubkey)
	a.recordCall(start, err)

	switch {
	case err != nil:
		results <- lookupResult{err: a.translate(ctx, err)}
	case out == nil || out.Value == nil:
		results <- lookupResult{err: fmt.Errorf("%w: %w", ErrRPCUnavailable, rpc.ErrNotFound)}
	default:
		results <- lookupResult{account: out.Value}
	}
}

func (a *AccountLookup) translate(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrRPCTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrRPCUnavailable, err)
}

func (a *AccountLookup) abandoned(ctx context.Context, address string) error {
	var err error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: no response after %s", ErrRPCTimeout, a.timeout)
	} else {
		err = fmt.Errorf("%w: lookup abandoned: %w", ErrRPCUnavailable, ctx.Err())
	}
	a.logger.WarnContext(ctx, "account lookup abandoned",
		"address", address,
		"error", err,
	)
	return err
}

func (a *AccountLookup) recordCall(start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordRPCCall("GetAccountInfo", status, a.endpoint, time.Since(start).Seconds())
}

func (a *AccountLookup) recordCache(hit bool) {
	if a.metrics != nil {
		a.metrics.RecordAccountCacheLookup(hit)
	}
}
