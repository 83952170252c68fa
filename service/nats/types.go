package nats

import (
	"strconv"
	"time"

	"github.com/brojonat/txquery/service/db"
)

// Query kinds, also used as the last subject token.
const (
	KindAccount      = "account"
	KindTransactions = "transactions"
)

// QueryEvent records a served query. It is published to the subject
// "queries.{kind}" in JetStream.
type QueryEvent struct {
	Kind string `json:"kind"`

	// Account is set for account lookups.
	Account string `json:"account,omitempty"`

	// Filters holds the present transaction filters keyed by query parameter.
	Filters map[string]string `json:"filters,omitempty"`

	// Outcome
	ResultCount int   `json:"result_count"`
	Status      int   `json:"status"`
	DurationMS  int64 `json:"duration_ms"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Subject returns the JetStream subject an event is published on.
func (e *QueryEvent) Subject() string {
	return SubjectPrefix + e.Kind
}

// FiltersFromSet converts a search filter set into event form.
// Absent filters are omitted.
func FiltersFromSet(f db.FilterSet) map[string]string {
	filters := make(map[string]string)
	if f.Hash != nil {
		filters["trans_hash"] = *f.Hash
	}
	if f.Sender != nil {
		filters["sender"] = *f.Sender
	}
	if f.Receiver != nil {
		filters["receiver"] = *f.Receiver
	}
	if f.Time != nil {
		filters["time"] = strconv.FormatInt(*f.Time, 10)
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}
