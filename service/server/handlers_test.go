package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/txquery/service/db"
	"github.com/brojonat/txquery/service/metrics"
	natspkg "github.com/brojonat/txquery/service/nats"
	"github.com/brojonat/txquery/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const systemProgram = "11111111111111111111111111111111"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAccounts implements AccountLooker.
type fakeAccounts struct {
	lookup func(ctx context.Context, address string) (*rpc.Account, error)
}

func (f *fakeAccounts) LookupAccount(ctx context.Context, address string) (*rpc.Account, error) {
	return f.lookup(ctx, address)
}

// fakeSearcher implements TransactionSearcher and records the filters it saw.
type fakeSearcher struct {
	mu           sync.Mutex
	lastFilters  db.FilterSet
	transactions []*db.Transaction
	err          error
}

func (f *fakeSearcher) SearchTransactions(ctx context.Context, filters db.FilterSet) ([]*db.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilters = filters
	if f.err != nil {
		return nil, f.err
	}
	return f.transactions, nil
}

// countingRPC implements solana.RPCClient. The stalled address blocks until
// release is closed.
type countingRPC struct {
	calls   atomic.Int32
	stalled string
	release chan struct{}
}

func (c *countingRPC) GetAccountInfo(ctx context.Context, account solanago.PublicKey) (*rpc.GetAccountInfoResult, error) {
	c.calls.Add(1)
	if account.String() == c.stalled {
		<-c.release
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{Lamports: 42, Owner: solanago.SystemProgramID},
	}, nil
}

func newTestServer(accounts AccountLooker, searcher TransactionSearcher, publisher natspkg.Publisher) *Server {
	return New("127.0.0.1:0", accounts, searcher, publisher, nil, testLogger())
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetAccount_Success(t *testing.T) {
	accounts := &fakeAccounts{lookup: func(ctx context.Context, address string) (*rpc.Account, error) {
		assert.Equal(t, systemProgram, address)
		return &rpc.Account{Lamports: 1_000_000, Owner: solanago.SystemProgramID, Executable: true}, nil
	}}
	srv := newTestServer(accounts, &fakeSearcher{}, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/account/"+systemProgram)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1_000_000), body["lamports"])
	assert.Equal(t, systemProgram, body["owner"])
	assert.Equal(t, true, body["executable"])
}

func TestGetAccount_Errors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "invalid address",
			err:            fmt.Errorf("%w: must contain only valid base58 characters", solana.ErrInvalidAddress),
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "invalid address: must contain only valid base58 characters",
		},
		{
			name:           "rpc unavailable",
			err:            fmt.Errorf("%w: dial tcp 10.0.0.1:8899: connection refused", solana.ErrRPCUnavailable),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   "Failed to get account data",
		},
		{
			name:           "rpc timeout",
			err:            fmt.Errorf("%w: no response after 30s", solana.ErrRPCTimeout),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   "Failed to get account data",
		},
		{
			name:           "unexpected error",
			err:            errors.New("something else"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   "Failed to get account data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &fakeAccounts{lookup: func(ctx context.Context, address string) (*rpc.Account, error) {
				return nil, tt.err
			}}
			srv := newTestServer(accounts, &fakeSearcher{}, nil)

			rec := do(t, srv.Handler(), http.MethodGet, "/account/whatever")

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, tt.expectedBody, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
		})
	}
}

func TestGetAccount_ConcurrentLookupsAreIndependent(t *testing.T) {
	slow := solanago.PublicKeyFromBytes(make([]byte, 32)).String()
	fake := &countingRPC{stalled: slow, release: make(chan struct{})}

	lookup := solana.NewAccountLookup(fake, solana.LookupConfig{Workers: 8}, nil, testLogger())
	ts := httptest.NewServer(newTestServer(lookup, &fakeSearcher{}, nil).Handler())
	defer ts.Close()
	defer close(fake.release)

	slowCtx, cancelSlow := context.WithCancel(context.Background())
	defer cancelSlow()
	go func() {
		req, _ := http.NewRequestWithContext(slowCtx, http.MethodGet, ts.URL+"/account/"+slow, nil)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool { return fake.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	const requests = 50
	var wg sync.WaitGroup
	statuses := make([]int, requests)
	start := time.Now()
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			address := "not-a-valid-address"
			if i%2 == 0 {
				var b [32]byte
				b[0] = byte(i + 1)
				address = solanago.PublicKeyFromBytes(b[:]).String()
			}
			resp, err := http.Get(ts.URL + "/account/" + address)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 2*time.Second)
	for i, status := range statuses {
		if i%2 == 0 {
			assert.Equal(t, http.StatusOK, status, "request %d", i)
		} else {
			assert.Equal(t, http.StatusBadRequest, status, "request %d", i)
		}
	}
	// Invalid addresses never reach the ledger: one slow call plus 25 valid ones.
	assert.Equal(t, int32(requests/2+1), fake.calls.Load())
}

func TestSearchTransactions_Success(t *testing.T) {
	searcher := &fakeSearcher{transactions: []*db.Transaction{
		{TransHash: "h1", Sender: "Alice", Receiver: "Bob", Amount: 50, Time: db.Int64Ptr(100)},
	}}
	srv := newTestServer(&fakeAccounts{}, searcher, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/transactions?sender=Alice&time=100")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"trans_hash":"h1","sender":"Alice","reciever":"Bob","amount":50,"time":100}]`, rec.Body.String())
	assert.Equal(t, db.FilterSet{Sender: db.StringPtr("Alice"), Time: db.Int64Ptr(100)}, searcher.lastFilters)
}

func TestSearchTransactions_EmptyAndNullTime(t *testing.T) {
	t.Run("no matches is an empty array", func(t *testing.T) {
		srv := newTestServer(&fakeAccounts{}, &fakeSearcher{}, nil)

		rec := do(t, srv.Handler(), http.MethodGet, "/transactions?sender=nobody")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("missing time is null", func(t *testing.T) {
		searcher := &fakeSearcher{transactions: []*db.Transaction{
			{TransHash: "h3", Sender: "Dave", Receiver: "Erin", Amount: 5},
		}}
		srv := newTestServer(&fakeAccounts{}, searcher, nil)

		rec := do(t, srv.Handler(), http.MethodGet, "/transactions")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[{"trans_hash":"h3","sender":"Dave","reciever":"Erin","amount":5,"time":null}]`, rec.Body.String())
		assert.True(t, searcher.lastFilters.IsEmpty())
	})
}

func TestSearchTransactions_Errors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedBody string
	}{
		{
			name:         "pool exhausted",
			err:          fmt.Errorf("%w: no connection available after 5s", db.ErrPoolExhausted),
			expectedBody: "DB pool error",
		},
		{
			name:         "store unavailable",
			err:          fmt.Errorf("%w: dial tcp: connection refused", db.ErrStoreUnavailable),
			expectedBody: "DB pool error",
		},
		{
			name:         "query failed",
			err:          fmt.Errorf("%w: ERROR: relation \"data_aggregator\" does not exist (SQLSTATE 42P01)", db.ErrQueryFailed),
			expectedBody: "Query failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeAccounts{}, &fakeSearcher{err: tt.err}, nil)

			rec := do(t, srv.Handler(), http.MethodGet, "/transactions?sender=Alice")

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, tt.expectedBody, rec.Body.String())
			assert.NotContains(t, rec.Body.String(), "data_aggregator")
		})
	}
}

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected db.FilterSet
		wantErr  bool
	}{
		{name: "none", query: "", expected: db.FilterSet{}},
		{
			name:  "all",
			query: "trans_hash=h1&sender=Alice&receiver=Bob&time=100",
			expected: db.FilterSet{
				Hash:     db.StringPtr("h1"),
				Sender:   db.StringPtr("Alice"),
				Receiver: db.StringPtr("Bob"),
				Time:     db.Int64Ptr(100),
			},
		},
		{name: "present but empty", query: "sender=", expected: db.FilterSet{Sender: db.StringPtr("")}},
		{name: "negative time", query: "time=-5", expected: db.FilterSet{Time: db.Int64Ptr(-5)}},
		{name: "unknown parameters ignored", query: "amount=5&limit=1", expected: db.FilterSet{}},
		{
			name:     "injection is just a value",
			query:    "sender=" + url.QueryEscape("x' OR '1'='1"),
			expected: db.FilterSet{Sender: db.StringPtr("x' OR '1'='1")},
		},
		{name: "non-integer time", query: "time=yesterday", wantErr: true},
		{name: "empty time", query: "time=", wantErr: true},
		{name: "float time", query: "time=1.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			filters, err := parseFilters(values)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, filters)
		})
	}
}

func TestSearchTransactions_InvalidTime(t *testing.T) {
	searcher := &fakeSearcher{}
	srv := newTestServer(&fakeAccounts{}, searcher, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/transactions?time=yesterday")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "must be an integer")
}

func TestQueryEventsPublished(t *testing.T) {
	publisher := natspkg.NewMockPublisher()
	accounts := &fakeAccounts{lookup: func(ctx context.Context, address string) (*rpc.Account, error) {
		return &rpc.Account{Lamports: 1}, nil
	}}
	searcher := &fakeSearcher{transactions: []*db.Transaction{{TransHash: "h1"}, {TransHash: "h2"}}}
	srv := newTestServer(accounts, searcher, publisher)
	h := srv.Handler()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/account/"+systemProgram).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/transactions?sender=Alice").Code)

	require.Eventually(t, func() bool { return publisher.GetPublishedEventCount() == 2 }, time.Second, 5*time.Millisecond)

	account := publisher.GetPublishedEventsOfKind(natspkg.KindAccount)
	require.Len(t, account, 1)
	assert.Equal(t, systemProgram, account[0].Account)
	assert.Equal(t, http.StatusOK, account[0].Status)

	txns := publisher.GetPublishedEventsOfKind(natspkg.KindTransactions)
	require.Len(t, txns, 1)
	assert.Equal(t, 2, txns[0].ResultCount)
	assert.Equal(t, map[string]string{"sender": "Alice"}, txns[0].Filters)
	assert.False(t, txns[0].OccurredAt.IsZero())
}

func TestQueryEventPublishFailureDoesNotAffectResponse(t *testing.T) {
	publisher := natspkg.NewMockPublisher()
	publisher.SetPublishError(errors.New("nats unavailable"))
	srv := newTestServer(&fakeAccounts{}, &fakeSearcher{}, publisher)

	rec := do(t, srv.Handler(), http.MethodGet, "/transactions")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPanicIsRecovered(t *testing.T) {
	var calls atomic.Int32
	accounts := &fakeAccounts{lookup: func(ctx context.Context, address string) (*rpc.Account, error) {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return &rpc.Account{Lamports: 7}, nil
	}}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	srv := New("127.0.0.1:0", accounts, &fakeSearcher{}, nil, m, testLogger())
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/account/"+systemProgram)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, h, http.MethodGet, "/account/"+systemProgram)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeAccounts{}, &fakeSearcher{}, nil)

	rec := do(t, srv.Handler(), http.MethodOptions, "/transactions")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	t.Run("health", func(t *testing.T) {
		srv := newTestServer(&fakeAccounts{}, &fakeSearcher{}, nil)
		rec := do(t, srv.Handler(), http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("metrics disabled", func(t *testing.T) {
		srv := newTestServer(&fakeAccounts{}, &fakeSearcher{}, nil)
		rec := do(t, srv.Handler(), http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("metrics enabled", func(t *testing.T) {
		m := metrics.NewMetrics(prometheus.NewRegistry())
		srv := New("127.0.0.1:0", &fakeAccounts{}, &fakeSearcher{}, nil, m, testLogger())
		rec := do(t, srv.Handler(), http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestUnknownRoutes(t *testing.T) {
	srv := newTestServer(&fakeAccounts{}, &fakeSearcher{}, nil)
	h := srv.Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/accounts").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/account/").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/transactions").Code)
}

func TestStart_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := New(ln.Addr().String(), &fakeAccounts{}, &fakeSearcher{}, nil, nil, testLogger())

	err = srv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind")
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(ln.Addr().String(), &fakeAccounts{}, &fakeSearcher{}, nil, nil, testLogger())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}

// blockingSearcher holds every search until the request context ends.
type blockingSearcher struct{}

func (blockingSearcher) SearchTransactions(ctx context.Context, filters db.FilterSet) ([]*db.Transaction, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", db.ErrQueryFailed, ctx.Err())
}

// serve runs srv on a loopback listener and returns its base URL.
func serve(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

func getBody(t *testing.T, target string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(target)
	require.NoError(t, err, "the server must answer rather than drop the connection")
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServe_StalledLookupAnswersBeforeWriteTimeout(t *testing.T) {
	slow := solanago.PublicKeyFromBytes(make([]byte, 32)).String()
	fake := &countingRPC{stalled: slow, release: make(chan struct{})}
	defer close(fake.release)

	// No bridge deadline: only the server's handler budget can end the wait.
	lookup := solana.NewAccountLookup(fake, solana.LookupConfig{Workers: 2}, nil, testLogger())
	writeTimeout := time.Second
	srv := New("127.0.0.1:0", lookup, &fakeSearcher{}, nil, nil, testLogger(), WithWriteTimeout(writeTimeout))
	baseURL := serve(t, srv)

	start := time.Now()
	status, body := getBody(t, baseURL+"/account/"+slow)

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Failed to get account data", body)
	assert.Less(t, time.Since(start), writeTimeout)
}

func TestServe_RPCTimeoutReachesClient(t *testing.T) {
	slow := solanago.PublicKeyFromBytes(make([]byte, 32)).String()
	fake := &countingRPC{stalled: slow, release: make(chan struct{})}
	defer close(fake.release)

	lookup := solana.NewAccountLookup(fake, solana.LookupConfig{Workers: 2, Timeout: 200 * time.Millisecond}, nil, testLogger())
	srv := New("127.0.0.1:0", lookup, &fakeSearcher{}, nil, nil, testLogger(), WithWriteTimeout(2*time.Second))
	baseURL := serve(t, srv)

	status, body := getBody(t, baseURL+"/account/"+slow)

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Failed to get account data", body)
}

func TestServe_SlowSearchAnswersBeforeWriteTimeout(t *testing.T) {
	writeTimeout := time.Second
	srv := New("127.0.0.1:0", &fakeAccounts{}, blockingSearcher{}, nil, nil, testLogger(), WithWriteTimeout(writeTimeout))
	baseURL := serve(t, srv)

	start := time.Now()
	status, body := getBody(t, baseURL+"/transactions?sender=Alice")

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Query failed", body)
	assert.Less(t, time.Since(start), writeTimeout)
}

func TestNew_DefaultWriteTimeoutOutlastsDefaultRPCTimeout(t *testing.T) {
	srv := New("127.0.0.1:0", &fakeAccounts{}, &fakeSearcher{}, nil, nil, testLogger())

	assert.Equal(t, defaultWriteTimeout, srv.server.WriteTimeout)
	assert.Greater(t, handlerBudget(srv.server.WriteTimeout), 30*time.Second)
}

func TestHandlerBudget(t *testing.T) {
	tests := []struct {
		writeTimeout time.Duration
		expected     time.Duration
	}{
		{0, 0},
		{time.Second, 900 * time.Millisecond},
		{10 * time.Second, 9 * time.Second},
		{45 * time.Second, 43 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.writeTimeout.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, handlerBudget(tt.writeTimeout))
		})
	}
}
