package protocol

import "fmt"

// Mode controls whether newly observed human-facing tickets are routed to an
// agent automatically or parked for manual approval.
type Mode string

const (
	ModeAuto   Mode = "auto"   // Route human_to_ai tickets to the answer agent.
	ModeManual Mode = "manual" // Park human_to_ai tickets as pending.
)

// Valid reports whether m is one of the two known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeManual:
		return true
	default:
		return false
	}
}

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q (want auto or manual)", s)
	}
	return m, nil
}
