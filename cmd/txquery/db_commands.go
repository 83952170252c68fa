package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/brojonat/txquery/service/db"
	"github.com/urfave/cli/v2"
)

func dbSearchCommand() *cli.Command {
	return &cli.Command{
		Name:    "search",
		Aliases: []string{"ls"},
		Usage:   "Search transactions directly in the store",
		Flags: append(filterFlags(),
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of transactions to return (0 = no limit)",
			},
			&cli.StringFlag{
				Name:  "order",
				Usage: "Ordering: time or trans_hash (default: store order)",
			},
		),
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.SearchTransactionsWithOptions(c.Context, storeFilters(c), db.SearchOptions{
				Limit:   c.Int("limit"),
				OrderBy: c.String("order"),
			})
			if err != nil {
				return fmt.Errorf("failed to search transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txns)
			}

			rows := make([]transactionRow, len(txns))
			for i, t := range txns {
				rows[i] = transactionRow{t.TransHash, t.Sender, t.Receiver, t.Amount, t.Time}
			}
			printTransactionRows(c.App.Writer, rows)
			return nil
		},
	}
}

// storeFilters reads the filter flags that were explicitly set.
func storeFilters(c *cli.Context) db.FilterSet {
	var f db.FilterSet
	if c.IsSet("hash") {
		f.Hash = db.StringPtr(c.String("hash"))
	}
	if c.IsSet("sender") {
		f.Sender = db.StringPtr(c.String("sender"))
	}
	if c.IsSet("receiver") {
		f.Receiver = db.StringPtr(c.String("receiver"))
	}
	if c.IsSet("time") {
		f.Time = db.Int64Ptr(c.Int64("time"))
	}
	return f
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	pool, err := db.NewPool(context.Background(), db.PoolConfig{DatabaseURL: dbURL, MaxConns: 1}, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, db.SearchOptions{}, nil, logger)
	closer := func() { pool.Close() }

	return store, closer, nil
}

type transactionRow struct {
	hash     string
	sender   string
	receiver string
	amount   int64
	time     *int64
}

func printTransactionRows(out io.Writer, rows []transactionRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tSENDER\tRECEIVER\tAMOUNT\tTIME")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.hash, r.sender, r.receiver, r.amount, formatTime(r.time))
	}
	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d transactions\n", len(rows))
}

func formatTime(t *int64) string {
	if t == nil {
		return "-"
	}
	return strconv.FormatInt(*t, 10) + " (" + time.Unix(*t, 0).UTC().Format(time.RFC3339) + ")"
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func contextWithTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}
