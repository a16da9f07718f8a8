package agent

import (
	"fmt"
	"strings"

	"coe/pkg/protocol"
)

const foreground = "CRITICAL: Do NOT run tasks in the background. Run all commands in foreground.\n\n"

func buildAskPrompt(question string, history []protocol.Message) string {
	var b strings.Builder
	b.WriteString("You are the answer agent for a coding orchestrator. Answer the question directly and concisely.\n")
	b.WriteString("If you are unsure, say what you would need to know.\n\n")
	writeHistory(&b, history)
	b.WriteString("## Question\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n")
	return b.String()
}

func buildPlanPrompt(goal string) string {
	var b strings.Builder
	b.WriteString(foreground)
	b.WriteString("Draft an implementation plan. Read the code you need; do not modify any files.\n\n")
	b.WriteString("## Goal\n")
	b.WriteString(strings.TrimSpace(goal))
	b.WriteString("\n\n")
	b.WriteString("## Output\n")
	b.WriteString("A numbered list of steps. For each step name the files to touch and how to verify it.\n")
	return b.String()
}

func buildVerifyPrompt(claim string) string {
	var b strings.Builder
	b.WriteString(foreground)
	b.WriteString("Verify the following claim about this repository. Run the commands needed to check it.\n\n")
	b.WriteString("## Claim\n")
	b.WriteString(strings.TrimSpace(claim))
	b.WriteString("\n\n")
	b.WriteString("## Output\n")
	b.WriteString("Explain what you checked, then end with exactly one line:\n")
	b.WriteString("PASS: <one-line reason>\n")
	b.WriteString("or\n")
	b.WriteString("FAIL: <one-line reason>\n")
	return b.String()
}

func buildAnswerPrompt(t *protocol.Ticket) string {
	var b strings.Builder
	b.WriteString("You are the answer agent for a coding orchestrator. A human filed this ticket for you.\n")
	b.WriteString("Reply with the answer only; it will be appended to the ticket thread.\n\n")
	fmt.Fprintf(&b, "## Ticket %s: %s\n", t.ID, t.Title)
	if d := strings.TrimSpace(t.Description); d != "" {
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	writeHistory(&b, t.Messages)
	return b.String()
}

func writeHistory(b *strings.Builder, history []protocol.Message) {
	if len(history) == 0 {
		return
	}
	b.WriteString("## Conversation so far\n")
	for _, m := range history {
		fmt.Fprintf(b, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
	}
	b.WriteString("\n")
}
