package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/txquery/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand follows query events published by the server.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to query events",
		ArgsUsage: "[account|transactions]",
		Description: `Stream query events published to NATS JetStream.

Events are published to the subject: queries.{kind}
Without a kind argument, every query event is streamed.

Example:
  txquery events subscribe transactions --jq '.status >= 500' --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "txquery-cli",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter evaluated against each event (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Stop after this long (0 = until interrupted)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one query kind may be given")
			}

			subject := natspkg.StreamSubjects
			if kind := c.Args().Get(0); kind != "" {
				if kind != natspkg.KindAccount && kind != natspkg.KindTransactions {
					return fmt.Errorf("unknown query kind %q: must be %q or %q", kind, natspkg.KindAccount, natspkg.KindTransactions)
				}
				subject = natspkg.SubjectPrefix + kind
			}

			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if timeout := c.Duration("timeout"); timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			return streamEvents(ctx, c.App.Writer, c.String("nats-url"), consumerConfig, codes, c.Bool("json"))
		},
	}
}

// streamEvents consumes query events until ctx is done.
func streamEvents(ctx context.Context, out io.Writer, natsURL string, consumerConfig jetstream.ConsumerConfig, codes []*gojq.Code, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(out, "📡 Subscribing to: %s\n", consumerConfig.FilterSubject)
		fmt.Fprintf(out, "   NATS: %s\n\n", natsURL)
	}

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.QueryEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				msg.Ack()
				continue
			}
			msg.Ack()

			ok, err := matchesJQ(codes, &event)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Fprintln(out, string(data))
				continue
			}
			printEvent(out, count, &event)

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(out, "\n✅ Received %d events\n", count)
			}
			return nil
		}
	}
}

func printEvent(out io.Writer, n int, event *natspkg.QueryEvent) {
	fmt.Fprintf(out, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(out, "Query #%d (%s)\n", n, event.Kind)
	fmt.Fprintf(out, "─────────────────────────────────────────────────────\n")
	if event.Account != "" {
		fmt.Fprintf(out, "Account:      %s\n", event.Account)
	}
	for k, v := range event.Filters {
		fmt.Fprintf(out, "Filter:       %s=%q\n", k, v)
	}
	fmt.Fprintf(out, "Status:       %d\n", event.Status)
	fmt.Fprintf(out, "Results:      %d\n", event.ResultCount)
	fmt.Fprintf(out, "Duration:     %dms\n", event.DurationMS)
	fmt.Fprintf(out, "Occurred:     %s\n\n", event.OccurredAt.Format(time.RFC3339))
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the QUERIES JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			out := c.App.Writer
			fmt.Fprintf(out, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(out, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(out, "Description:  %s\n", info.Config.Description)
			fmt.Fprintf(out, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(out, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(out, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(out, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(out, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(out, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
