package protocol

import (
	"encoding/json"
	"fmt"
)

// TicketType says who a ticket is addressed to. The set is closed: consumers
// branch on it through VisitType so that adding a variant breaks every site
// that has not handled it.
type TicketType struct {
	name string
}

// The four ticket types. TypeUnset is the zero value.
var (
	TypeUnset       = TicketType{}                     //nolint:gochecknoglobals // closed enum values
	TypeAIToHuman   = TicketType{name: "ai_to_human"}  //nolint:gochecknoglobals // closed enum values
	TypeHumanToAI   = TicketType{name: "human_to_ai"}  //nolint:gochecknoglobals // closed enum values
	TypeAnswerAgent = TicketType{name: "answer_agent"} //nolint:gochecknoglobals // closed enum values
)

// String returns the wire name, or "" for TypeUnset.
func (t TicketType) String() string { return t.name }

// ParseTicketType accepts the wire names plus "" and "unset" for TypeUnset.
func ParseTicketType(s string) (TicketType, error) {
	switch s {
	case "", "unset":
		return TypeUnset, nil
	case TypeAIToHuman.name:
		return TypeAIToHuman, nil
	case TypeHumanToAI.name:
		return TypeHumanToAI, nil
	case TypeAnswerAgent.name:
		return TypeAnswerAgent, nil
	default:
		return TypeUnset, fmt.Errorf("unknown ticket type %q", s)
	}
}

// MarshalJSON encodes the type as its wire name; TypeUnset encodes as null.
func (t TicketType) MarshalJSON() ([]byte, error) {
	if t == TypeUnset {
		return []byte("null"), nil
	}
	return json.Marshal(t.name)
}

// UnmarshalJSON accepts a wire name, "unset", or null.
func (t *TicketType) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = TypeUnset
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("ticket type: %w", err)
	}
	parsed, err := ParseTicketType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TypeVisitor has one method per ticket type.
type TypeVisitor[T any] interface {
	AIToHuman() T
	HumanToAI() T
	AnswerAgent() T
	Unset() T
}

// VisitType calls the visitor method matching t.
func VisitType[T any](t TicketType, v TypeVisitor[T]) T {
	switch t {
	case TypeAIToHuman:
		return v.AIToHuman()
	case TypeHumanToAI:
		return v.HumanToAI()
	case TypeAnswerAgent:
		return v.AnswerAgent()
	default:
		return v.Unset()
	}
}
