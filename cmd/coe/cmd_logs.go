package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"coe/pkg/eventlog"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	eventType string
}

// newLogsCmd creates the "coe logs" subcommand.
func newLogsCmd() *cobra.Command {
	var lc logsConfig

	cmd := &cobra.Command{
		Use:   "logs [ticket-id]",
		Short: "Query and tail orchestrator events",
		Long:  "Displays events from the orchestrator event log.\nOptionally filter by ticket and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := eventlog.QueryOpts{EventType: lc.eventType, Limit: lc.tail}
			if len(args) == 1 {
				opts.TicketID = args[0]
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			r, err := eventlog.NewReader(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer func() { _ = r.Close() }()

			w := cmd.OutOrStdout()
			if lc.follow {
				return followLogs(cmd.Context(), r, w, opts, time.Second)
			}
			_, err = printLogs(cmd.Context(), r, w, opts)
			return err
		},
	}

	cmd.Flags().IntVar(&lc.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&lc.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVar(&lc.eventType, "type", "", "only events of this type")

	return cmd
}

// printLogs prints matching events oldest first and returns the newest id.
func printLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts) (int64, error) {
	events, err := r.Query(ctx, opts)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	slices.Reverse(events)
	for i := range events {
		formatEvent(w, &events[i])
	}
	return events[len(events)-1].ID, nil
}

// followLogs prints the tail, then polls for events with a higher id.
func followLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts, every time.Duration) error {
	last, err := printLogs(ctx, r, w, opts)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	poll := opts
	poll.Limit = 100
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events, err := r.Query(ctx, poll)
			if err != nil {
				return err
			}
			slices.Reverse(events)
			for i := range events {
				if events[i].ID <= last {
					continue
				}
				formatEvent(w, &events[i])
				last = events[i].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e *eventlog.Event) {
	line := fmt.Sprintf("%s  %-15s %-10s", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Type, e.Source)
	if e.TicketID != "" {
		line += " ticket=" + e.TicketID
	}
	if e.TaskID != "" && e.TaskID != e.TicketID {
		line += " task=" + e.TaskID
	}
	if e.Payload != "" {
		line += " " + e.Payload
	}
	fmt.Fprintln(w, line)
}
