package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"coe/pkg/eventlog"
	"coe/pkg/protocol"
)

// statusReport is what "coe status" prints.
type statusReport struct {
	dbPath      string
	byStatus    map[protocol.TicketStatus]int
	total       int
	escalations int
	events      map[string]int
}

// newStatusCmd creates the "coe status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarise tickets, escalations and recorded events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, db, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			tickets, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tickets: %w", err)
			}
			events, err := eventlog.FromDB(db).CountByType(cmd.Context())
			if err != nil {
				return err
			}

			r := statusReport{dbPath: cfg.Store.Path, byStatus: map[protocol.TicketStatus]int{}, events: events}
			for _, t := range tickets {
				r.total++
				r.byStatus[t.Status]++
				if t.EscalatedFrom != nil && t.Status != protocol.StatusDone {
					r.escalations++
				}
			}
			renderStatus(cmd.OutOrStdout(), r, DefaultTheme())
			return nil
		},
	}
}

func renderStatus(w io.Writer, r statusReport, theme Theme) {
	title := lipgloss.NewStyle().Bold(true).Foreground(theme.Primary)
	dim := lipgloss.NewStyle().Foreground(theme.Muted)

	fmt.Fprintln(w, title.Render("coe status"))
	fmt.Fprintln(w, dim.Render("db: "+r.dbPath))
	fmt.Fprintf(w, "tickets: %d\n", r.total)
	for _, s := range []protocol.TicketStatus{
		protocol.StatusOpen, protocol.StatusInProgress, protocol.StatusPending,
		protocol.StatusBlocked, protocol.StatusDone,
	} {
		st := lipgloss.NewStyle().Foreground(theme.StatusColor(s))
		fmt.Fprintf(w, "  %s %d\n", st.Render(column(string(s), 12)), r.byStatus[s])
	}

	esc := lipgloss.NewStyle().Foreground(theme.Success)
	if r.escalations > 0 {
		esc = lipgloss.NewStyle().Foreground(theme.Error)
	}
	fmt.Fprintf(w, "open escalations: %s\n", esc.Render(fmt.Sprintf("%d", r.escalations)))

	if len(r.events) == 0 {
		fmt.Fprintln(w, "events: none")
		return
	}
	fmt.Fprintln(w, "events:")
	types := make([]string, 0, len(r.events))
	for typ := range r.events {
		types = append(types, typ)
	}
	slices.Sort(types)
	for _, typ := range types {
		fmt.Fprintf(w, "  %s %d\n", column(typ, 16), r.events[typ])
	}
}
