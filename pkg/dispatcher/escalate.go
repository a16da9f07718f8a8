package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"coe/pkg/escalation"
	"coe/pkg/protocol"
)

// EscalationKind classifies an escalation ticket.
type EscalationKind string

// Escalation kinds written into escalation ticket descriptions.
const (
	EscStalled    EscalationKind = "STALLED"
	EscRetryLimit EscalationKind = "RETRY_LIMIT"
)

// FormatEscalation produces a structured escalation line:
//
//	[COE] <KIND>: <task-id>: <summary>. <details>.
//
// If details is empty the trailing clause is omitted.
func FormatEscalation(kind EscalationKind, taskID, summary, details string) string {
	summary = strings.TrimRight(summary, ".")
	if details != "" {
		return fmt.Sprintf("[COE] %s: %s: %s. %s.", kind, taskID, summary, strings.TrimRight(details, "."))
	}
	return fmt.Sprintf("[COE] %s: %s: %s.", kind, taskID, summary)
}

// escalationTicket builds the blocked, priority-1 ticket that hands orig to a
// human.
func escalationTicket(orig *protocol.Ticket, description string) protocol.NewTicket {
	return protocol.NewTicket{
		Title:         protocol.EscalationPrefix + orig.Title,
		Description:   description,
		Status:        protocol.StatusBlocked,
		Type:          protocol.TypeAIToHuman,
		Priority:      protocol.PriorityHigh,
		Creator:       "coe",
		EscalatedFrom: protocol.Ptr(orig.ID),
	}
}

func stallDescription(taskID string, idle, limit time.Duration) string {
	return FormatEscalation(EscStalled, taskID,
		fmt.Sprintf("running for %s without a report", idle.Round(time.Second)),
		fmt.Sprintf("Stall timeout is %s", limit))
}

func retryLimitDescription(info *escalation.Info) string {
	var b strings.Builder
	b.WriteString(FormatEscalation(EscRetryLimit, info.TaskID,
		fmt.Sprintf("failed %d times, recommend %s", info.RetryCount, info.Recommendation), ""))
	for _, e := range info.Evidence {
		b.WriteString("\n- ")
		b.WriteString(e)
	}
	for i, f := range info.Failures {
		fmt.Fprintf(&b, "\nattempt %d: %s", i+1, f.Reason)
	}
	return b.String()
}
