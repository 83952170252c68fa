package db

import (
	"fmt"
	"strings"
)

// TransactionsTable is the table holding recorded transactions.
const TransactionsTable = "data_aggregator"

const baseSearchQuery = "SELECT trans_hash, sender, reciever, amount, time FROM " + TransactionsTable + " WHERE true"

// Orderings accepted by SearchOptions.OrderBy.
const (
	OrderNone   = ""
	OrderByTime = "time"
	OrderByHash = "trans_hash"
)

// orderClauses maps the allowed orderings to fixed SQL. Ordering never
// comes from request input.
var orderClauses = map[string]string{
	OrderByTime: " ORDER BY time, trans_hash",
	OrderByHash: " ORDER BY trans_hash",
}

// FilterSet holds the optional transaction search filters.
// A nil field is absent; an empty string is a present filter matching "".
type FilterSet struct {
	Hash     *string
	Sender   *string
	Receiver *string
	Time     *int64
}

// IsEmpty reports whether no filter is present.
func (f FilterSet) IsEmpty() bool {
	return len(f.predicates()) == 0
}

// String renders a FilterSet for logs.
func (f FilterSet) String() string {
	return fmt.Sprintf("hash=%s sender=%s receiver=%s time=%s",
		fmtPtr(f.Hash), fmtPtr(f.Sender), fmtPtr(f.Receiver), fmtPtr(f.Time))
}

func fmtPtr[T any](v *T) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%q", fmt.Sprint(*v))
}

// SearchOptions controls server-side shaping of the search result.
type SearchOptions struct {
	// Limit caps the number of rows returned. Zero means no cap.
	Limit int
	// OrderBy is one of OrderNone, OrderByTime or OrderByHash.
	OrderBy string
}

type predicate struct {
	column string
	value  any
}

// predicates returns the present filters in canonical column order.
func (f FilterSet) predicates() []predicate {
	var preds []predicate
	if f.Hash != nil {
		preds = append(preds, predicate{column: "trans_hash", value: *f.Hash})
	}
	if f.Sender != nil {
		preds = append(preds, predicate{column: "sender", value: *f.Sender})
	}
	if f.Receiver != nil {
		preds = append(preds, predicate{column: "reciever", value: *f.Receiver})
	}
	if f.Time != nil {
		preds = append(preds, predicate{column: "time", value: *f.Time})
	}
	return preds
}

// BuildSearchQuery assembles a parameterized search over the transactions table.
// The placeholder $N always refers to args[N-1]; filter values are only ever
// passed as arguments.
func BuildSearchQuery(filters FilterSet, opts SearchOptions) (string, []any, error) {
	preds := filters.predicates()

	var sb strings.Builder
	sb.WriteString(baseSearchQuery)

	args := make([]any, len(preds))
	for i, p := range preds {
		fmt.Fprintf(&sb, " AND %s = $%d", p.column, i+1)
		args[i] = p.value
	}

	if opts.OrderBy != OrderNone {
		clause, ok := orderClauses[opts.OrderBy]
		if !ok {
			return "", nil, fmt.Errorf("unsupported search ordering %q", opts.OrderBy)
		}
		sb.WriteString(clause)
	}

	if opts.Limit < 0 {
		return "", nil, fmt.Errorf("search limit cannot be negative: %d", opts.Limit)
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
	}

	return sb.String(), args, nil
}
