package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/txquery/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// filterFlags are shared by every transaction search command.
func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "hash", Usage: "Match trans_hash exactly"},
		&cli.StringFlag{Name: "sender", Usage: "Match sender exactly"},
		&cli.StringFlag{Name: "receiver", Usage: "Match receiver exactly"},
		&cli.Int64Flag{Name: "time", Usage: "Match time (epoch seconds) exactly"},
	}
}

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:      "account",
		Usage:     "Fetch the current account snapshot",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 30 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("account address is required")
			}

			cl := newClient(c)
			ctx, cancel := contextWithTimeout(c)
			defer cancel()

			account, err := cl.GetAccount(ctx, c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}

			var v any
			if err := json.Unmarshal(account, &v); err != nil {
				return fmt.Errorf("failed to decode account: %w", err)
			}
			return outputJSON(c.App.Writer, v)
		},
	}
}

func transactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Aliases: []string{"txns", "tx"},
		Usage:   "Search recorded transactions through the server",
		Description: `Every filter flag that is set must match exactly.
Results can be narrowed further with jq expressions; every --jq filter must
evaluate to true for a transaction to be printed.

Example:
  txquery transactions --sender Alice --jq '.amount > 10'`,
		Flags: append(filterFlags(),
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter evaluated against each transaction (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 30 * time.Second,
			},
		),
		Action: func(c *cli.Context) error {
			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			cl := newClient(c)
			ctx, cancel := contextWithTimeout(c)
			defer cancel()

			txns, err := cl.SearchTransactions(ctx, clientFilters(c))
			if err != nil {
				return fmt.Errorf("failed to search transactions: %w", err)
			}

			matched := make([]*client.Transaction, 0, len(txns))
			for _, txn := range txns {
				ok, err := matchesJQ(codes, txn)
				if err != nil {
					return err
				}
				if ok {
					matched = append(matched, txn)
				}
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, matched)
			}
			printClientTransactions(c.App.Writer, matched)
			return nil
		},
	}
}

func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

// clientFilters reads the filter flags that were explicitly set.
func clientFilters(c *cli.Context) client.Filters {
	var f client.Filters
	if c.IsSet("hash") {
		v := c.String("hash")
		f.TransHash = &v
	}
	if c.IsSet("sender") {
		v := c.String("sender")
		f.Sender = &v
	}
	if c.IsSet("receiver") {
		v := c.String("receiver")
		f.Receiver = &v
	}
	if c.IsSet("time") {
		v := c.Int64("time")
		f.Time = &v
	}
	return f
}

// compileJQ parses and compiles each jq filter.
func compileJQ(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchesJQ reports whether every filter yields a truthy first result for v.
// v is converted to its JSON form first, so field names match the wire format.
func matchesJQ(codes []*gojq.Code, v any) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode value for jq: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return false, fmt.Errorf("failed to decode value for jq: %w", err)
	}

	for _, code := range codes {
		iter := code.Run(input)
		result, ok := iter.Next()
		if !ok {
			// No result means filter failed
			return false, nil
		}
		if _, isErr := result.(error); isErr {
			return false, nil
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq semantics: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}

func printClientTransactions(w io.Writer, txns []*client.Transaction) {
	rows := make([]transactionRow, len(txns))
	for i, t := range txns {
		rows[i] = transactionRow{t.TransHash, t.Sender, t.Receiver, t.Amount, t.Time}
	}
	printTransactionRows(w, rows)
}
