package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"coe/pkg/protocol"
)

// newTicketsCmd creates the "coe tickets" command group.
func newTicketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List, create and inspect tickets",
	}
	cmd.AddCommand(newTicketsListCmd(), newTicketsCreateCmd(), newTicketsShowCmd())
	return cmd
}

func newTicketsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !protocol.TicketStatus(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, db, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			all, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tickets: %w", err)
			}
			var shown []*protocol.Ticket
			for _, t := range all {
				if status == "" || string(t.Status) == status {
					shown = append(shown, t)
				}
			}
			renderTicketTable(cmd.OutOrStdout(), shown, DefaultTheme())
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tickets with this status")
	return cmd
}

func renderTicketTable(w io.Writer, tickets []*protocol.Ticket, theme Theme) {
	if len(tickets) == 0 {
		fmt.Fprintln(w, "no tickets")
		return
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(theme.Primary)
	fmt.Fprintln(w, header.Render(column("ID", 14)+column("P", 3)+column("STATUS", 13)+column("TYPE", 14)+"TITLE"))
	for _, t := range tickets {
		st := lipgloss.NewStyle().Foreground(theme.StatusColor(t.Status))
		typ := t.Type.String()
		if typ == "" {
			typ = "-"
		}
		fmt.Fprintln(w, column(t.ID, 14)+column(fmt.Sprintf("%d", t.Priority), 3)+
			st.Render(column(string(t.Status), 13))+column(typ, 14)+t.Title)
	}
}

// createConfig holds flags for tickets create.
type createConfig struct {
	title       string
	description string
	priority    string
	typ         string
	dependsOn   []string
}

func newTicketsCreateCmd() *cobra.Command {
	var cc createConfig
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an open ticket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(cc.title) == "" {
				return fmt.Errorf("--title is required")
			}
			prio, err := protocol.PriorityFromLabel(strings.ToUpper(cc.priority))
			if err != nil {
				return err
			}
			typ, err := protocol.ParseTicketType(cc.typ)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, db, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			t, err := store.Create(cmd.Context(), protocol.NewTicket{
				Title:       cc.title,
				Description: cc.description,
				Status:      protocol.StatusOpen,
				Type:        typ,
				Priority:    prio,
				Creator:     "cli",
				DependsOn:   cc.dependsOn,
			})
			if err != nil {
				return fmt.Errorf("create ticket: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cc.title, "title", "", "ticket title")
	cmd.Flags().StringVar(&cc.description, "description", "", "ticket description")
	cmd.Flags().StringVar(&cc.priority, "priority", "P2", "priority label P0..P3")
	cmd.Flags().StringVar(&cc.typ, "type", "ai_to_human", "ticket type (ai_to_human, human_to_ai, answer_agent)")
	cmd.Flags().StringSliceVar(&cc.dependsOn, "depends-on", nil, "task ids this ticket waits on")
	return cmd
}

func newTicketsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show one ticket and its thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, db, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			t, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderTicket(cmd.OutOrStdout(), t, DefaultTheme())
			return nil
		},
	}
}

func renderTicket(w io.Writer, t *protocol.Ticket, theme Theme) {
	title := lipgloss.NewStyle().Bold(true).Foreground(theme.Primary)
	dim := lipgloss.NewStyle().Foreground(theme.Muted)

	fmt.Fprintln(w, title.Render(t.ID+"  "+t.Title))
	fmt.Fprintf(w, "status:   %s\n", lipgloss.NewStyle().Foreground(theme.StatusColor(t.Status)).Render(string(t.Status)))
	fmt.Fprintf(w, "priority: %d\n", t.Priority)
	if typ := t.Type.String(); typ != "" {
		fmt.Fprintf(w, "type:     %s\n", typ)
	}
	fmt.Fprintf(w, "version:  %d\n", t.Version)
	if t.Assignee != "" {
		fmt.Fprintf(w, "assignee: %s\n", t.Assignee)
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(w, "depends:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.EscalatedFrom != nil {
		fmt.Fprintf(w, "escalated from: %s\n", *t.EscalatedFrom)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
	if t.Resolution != nil {
		fmt.Fprintf(w, "\nresolution: %s\n", *t.Resolution)
	}
	if len(t.Messages) > 0 {
		fmt.Fprintln(w)
		for _, m := range t.Messages {
			fmt.Fprintf(w, "%s %s: %s\n", dim.Render(m.Timestamp.Format("2006-01-02 15:04")), m.Role, m.Content)
		}
	}
}
