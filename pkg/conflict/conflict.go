// Package conflict implements optimistic version checks and three-way field
// merges over ticket snapshots. Nothing here touches storage; the store calls
// these functions around its reads and writes.
package conflict

import (
	"reflect"
	"slices"

	"coe/pkg/protocol"
)

// Strategy is a way out of a version conflict.
type Strategy string

// Strategies offered with every conflict.
const (
	StrategyRetryFresh  Strategy = "retry-with-fresh-read"
	StrategyAbort       Strategy = "abort"
	StrategyManualMerge Strategy = "manual-merge"
)

// Strategies is the fixed resolution menu attached to every VersionConflict.
func Strategies() []Strategy {
	return []Strategy{StrategyRetryFresh, StrategyAbort, StrategyManualMerge}
}

// VersionConflict describes a rejected write.
type VersionConflict struct {
	TicketID        string     `json:"ticketId"`
	ExpectedVersion int64      `json:"expectedVersion"`
	ActualVersion   int64      `json:"actualVersion"`
	Strategies      []Strategy `json:"strategies"`
}

// Err converts the conflict into the typed error callers match with errors.As.
func (c *VersionConflict) Err() *protocol.VersionConflictError {
	names := make([]string, len(c.Strategies))
	for i, s := range c.Strategies {
		names[i] = string(s)
	}
	return &protocol.VersionConflictError{
		TicketID:        c.TicketID,
		ExpectedVersion: c.ExpectedVersion,
		ActualVersion:   c.ActualVersion,
		Strategies:      names,
	}
}

// VersionCheck is the outcome of CheckVersion. Conflict is nil when Valid.
type VersionCheck struct {
	Valid    bool
	Conflict *VersionConflict
}

// CheckVersion is valid iff expected equals actual.
func CheckVersion(ticketID string, expected, actual int64) VersionCheck {
	if expected == actual {
		return VersionCheck{Valid: true}
	}
	return VersionCheck{
		Conflict: &VersionConflict{
			TicketID:        ticketID,
			ExpectedVersion: expected,
			ActualVersion:   actual,
			Strategies:      Strategies(),
		},
	}
}

// IncrementVersion returns the version a successful write stores.
func IncrementVersion(v int64) int64 {
	return v + 1
}

// --- Three-way merge ---

// Fields is a ticket snapshot as field name to value.
type Fields map[string]any

// ImmutableFields are never merged or reported as conflicts.
var ImmutableFields = []string{"id"} //nolint:gochecknoglobals // fixed field list

func immutable(field string) bool {
	return slices.Contains(ImmutableFields, field)
}

// FieldConflict is a field both writers changed to different values.
type FieldConflict struct {
	Field    string `json:"field"`
	Original any    `json:"original"`
	Current  any    `json:"current"`
	Ours     any    `json:"ours"`
}

// MergeResult is the outcome of AttemptMerge. Merged always holds the clean
// merge; conflicting fields keep the current value and are listed in
// ManualFields.
type MergeResult struct {
	Merged       Fields          `json:"merged"`
	AutoMerged   bool            `json:"autoMerged"`
	ManualFields []string        `json:"manualFields"`
	Conflicts    []FieldConflict `json:"conflicts"`
}

func same(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// DetectFieldConflicts lists the fields in ours that both sides moved away
// from original and on which they disagree. Output is sorted by field name.
func DetectFieldConflicts(original, current, ours Fields) []FieldConflict {
	var out []FieldConflict
	for _, f := range sortedKeys(ours) {
		if immutable(f) {
			continue
		}
		o, c, u := original[f], current[f], ours[f]
		if !same(c, o) && !same(u, o) && !same(c, u) {
			out = append(out, FieldConflict{Field: f, Original: o, Current: c, Ours: u})
		}
	}
	return out
}

// AttemptMerge merges ours into current relative to original.
func AttemptMerge(original, current, ours Fields) MergeResult {
	merged := make(Fields, len(current))
	for k, v := range current {
		merged[k] = v
	}

	for _, f := range sortedKeys(ours) {
		if immutable(f) {
			continue
		}
		o, c, u := original[f], current[f], ours[f]
		switch {
		case same(u, o):
			// Only the other writer (or nobody) changed it: keep current.
		case same(c, o), same(c, u):
			merged[f] = u
		default:
			// Both changed and disagree: leave current, caller resolves.
		}
	}

	for _, f := range ImmutableFields {
		if v, ok := original[f]; ok {
			merged[f] = v
		}
	}

	conflicts := DetectFieldConflicts(original, current, ours)
	manual := make([]string, len(conflicts))
	for i, c := range conflicts {
		manual[i] = c.Field
	}
	return MergeResult{
		Merged:       merged,
		AutoMerged:   len(conflicts) == 0,
		ManualFields: manual,
		Conflicts:    conflicts,
	}
}

func sortedKeys(m Fields) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
