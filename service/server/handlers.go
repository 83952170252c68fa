package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/txquery/service/db"
	natspkg "github.com/brojonat/txquery/service/nats"
	"github.com/brojonat/txquery/service/solana"
)

// Response bodies for failures. Internal detail is logged, never returned.
const (
	msgAccountFailed = "Failed to get account data"
	msgPoolFailed    = "DB pool error"
	msgQueryFailed   = "Query failed"
)

const publishTimeout = 5 * time.Second

// handleGetAccount returns a handler that fetches an account snapshot.
// GET /account/{account_id}
func handleGetAccount(accounts AccountLooker, events *queryEvents, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		address := r.PathValue("account_id")

		account, err := accounts.LookupAccount(r.Context(), address)
		if err != nil {
			status := http.StatusInternalServerError
			message := msgAccountFailed
			if errors.Is(err, solana.ErrInvalidAddress) {
				logger.Debug("invalid address", "address", address, "error", err)
				status = http.StatusBadRequest
				message = err.Error()
			} else {
				logger.Error("failed to get account", "address", address, "error", err)
			}

			writeError(w, message, status)
			events.publish(r.Context(), &natspkg.QueryEvent{
				Kind:       natspkg.KindAccount,
				Account:    address,
				Status:     status,
				DurationMS: time.Since(start).Milliseconds(),
			})
			return
		}

		writeJSON(w, account, http.StatusOK)
		events.publish(r.Context(), &natspkg.QueryEvent{
			Kind:        natspkg.KindAccount,
			Account:     address,
			ResultCount: 1,
			Status:      http.StatusOK,
			DurationMS:  time.Since(start).Milliseconds(),
		})
	})
}

// handleSearchTransactions returns a handler that searches recorded transactions.
// GET /transactions?trans_hash=HASH&sender=S&receiver=R&time=T
// Every parameter is optional; present parameters must all match.
func handleSearchTransactions(searcher TransactionSearcher, events *queryEvents, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		filters, err := parseFilters(r.URL.Query())
		if err != nil {
			logger.Debug("invalid transaction filters", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		transactions, err := searcher.SearchTransactions(r.Context(), filters)
		if err != nil {
			message := msgQueryFailed
			if errors.Is(err, db.ErrPoolExhausted) || errors.Is(err, db.ErrStoreUnavailable) {
				message = msgPoolFailed
			}
			logger.Error("failed to search transactions", "filters", filters.String(), "error", err)

			writeError(w, message, http.StatusInternalServerError)
			events.publish(r.Context(), &natspkg.QueryEvent{
				Kind:       natspkg.KindTransactions,
				Filters:    natspkg.FiltersFromSet(filters),
				Status:     http.StatusInternalServerError,
				DurationMS: time.Since(start).Milliseconds(),
			})
			return
		}

		logger.Debug("transactions searched", "filters", filters.String(), "count", len(transactions))

		resp := make([]transactionResponse, len(transactions))
		for i := range transactions {
			resp[i] = transactionToResponse(transactions[i])
		}

		writeJSON(w, resp, http.StatusOK)
		events.publish(r.Context(), &natspkg.QueryEvent{
			Kind:        natspkg.KindTransactions,
			Filters:     natspkg.FiltersFromSet(filters),
			ResultCount: len(resp),
			Status:      http.StatusOK,
			DurationMS:  time.Since(start).Milliseconds(),
		})
	})
}

// parseFilters reads the search filters from query parameters.
// A parameter that is present, even with an empty value, is a filter.
func parseFilters(query url.Values) (db.FilterSet, error) {
	var filters db.FilterSet

	if query.Has("trans_hash") {
		filters.Hash = db.StringPtr(query.Get("trans_hash"))
	}
	if query.Has("sender") {
		filters.Sender = db.StringPtr(query.Get("sender"))
	}
	if query.Has("receiver") {
		filters.Receiver = db.StringPtr(query.Get("receiver"))
	}
	if query.Has("time") {
		t, err := strconv.ParseInt(query.Get("time"), 10, 64)
		if err != nil {
			return db.FilterSet{}, errors.New("invalid time parameter: must be an integer")
		}
		filters.Time = &t
	}

	return filters, nil
}

// transactionResponse is the JSON response format for a transaction.
// The reciever spelling matches the stored column and existing consumers.
type transactionResponse struct {
	TransHash string `json:"trans_hash"`
	Sender    string `json:"sender"`
	Receiver  string `json:"reciever"`
	Amount    int64  `json:"amount"`
	Time      *int64 `json:"time"`
}

// transactionToResponse converts a domain Transaction to a response format.
func transactionToResponse(t *db.Transaction) transactionResponse {
	return transactionResponse{
		TransHash: t.TransHash,
		Sender:    t.Sender,
		Receiver:  t.Receiver,
		Amount:    t.Amount,
		Time:      t.Time,
	}
}

// queryEvents publishes served queries without holding up the response.
type queryEvents struct {
	publisher natspkg.Publisher
	logger    *slog.Logger
}

func (q *queryEvents) publish(ctx context.Context, event *natspkg.QueryEvent) {
	if q.publisher == nil {
		return
	}
	event.OccurredAt = time.Now().UTC()

	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := q.publisher.PublishQuery(ctx, event); err != nil {
			q.logger.Warn("failed to publish query event",
				"kind", event.Kind,
				"error", err,
			)
		}
	}()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a plain-text error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	w.Write([]byte(message))
}
