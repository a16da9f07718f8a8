package escalation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// Recommendation is what the escalation suggests a human do next.
type Recommendation string

// Recommendation values.
const (
	RecommendManualFix      Recommendation = "manual-fix"
	RecommendChangeApproach Recommendation = "change-approach"
	RecommendSkip           Recommendation = "skip"
)

// Info is attached to an Outcome when a task reaches its retry limit.
type Info struct {
	TaskID         string         `json:"taskId"`
	RetryCount     int            `json:"retryCount"`
	Recommendation Recommendation `json:"recommendation"`
	Evidence       []string       `json:"evidence"`
	Failures       []Failure      `json:"failures"`
	Summary        string         `json:"summary"`
}

// IsCritical reports whether an acceptance criterion is marked required or
// critical (case-insensitive).
func IsCritical(criterion string) bool {
	c := strings.ToLower(criterion)
	return strings.Contains(c, "required") || strings.Contains(c, "critical")
}

// hashReason fingerprints a failure reason after normalising case and
// whitespace, so trivially different messages count as the same root cause.
func hashReason(reason string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(reason)), " ")
	h := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(h[:])
}

// recurringTests returns test ids that failed in more than one record.
func recurringTests(failures []Failure) []string {
	seen := make(map[string]int)
	for _, f := range failures {
		for _, id := range uniq(f.FailedTests) {
			seen[id]++
		}
	}
	var out []string
	for id, n := range seen {
		if n > 1 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func criticalCriteria(failures []Failure) []string {
	var out []string
	for _, f := range failures {
		for _, c := range f.FailedCriteria {
			if IsCritical(c) {
				out = append(out, c)
			}
		}
	}
	return uniq(out)
}

// reasonsDiffer is true when no root cause repeats across the history.
func reasonsDiffer(failures []Failure) bool {
	if len(failures) < 2 {
		return false
	}
	seen := make(map[string]bool, len(failures))
	for _, f := range failures {
		h := hashReason(f.Reason)
		if seen[h] {
			return false
		}
		seen[h] = true
	}
	return true
}

// skipEvidence is true when the latest failure names criteria and none of
// them is critical.
func skipEvidence(failures []Failure) (bool, []string) {
	if len(failures) == 0 {
		return false, nil
	}
	latest := failures[len(failures)-1].FailedCriteria
	if len(latest) == 0 {
		return false, nil
	}
	for _, c := range latest {
		if IsCritical(c) {
			return false, nil
		}
	}
	return true, latest
}

// buildInfo picks a recommendation from the failure history. Order:
// manual-fix (recurring tests plus a critical criterion), change-approach
// (every reason distinct), skip (only non-critical criteria), else manual-fix.
func buildInfo(s *State) *Info {
	var evidence []string

	tests := recurringTests(s.Failures)
	critical := criticalCriteria(s.Failures)
	for _, id := range tests {
		evidence = append(evidence, fmt.Sprintf("test %s failed in more than one attempt", id))
	}
	for _, c := range critical {
		evidence = append(evidence, fmt.Sprintf("critical criterion failed: %s", c))
	}

	differ := reasonsDiffer(s.Failures)
	if differ {
		evidence = append(evidence, fmt.Sprintf("%d attempts failed for %d different reasons", len(s.Failures), len(s.Failures)))
	}

	canSkip, nonCritical := skipEvidence(s.Failures)
	if canSkip {
		evidence = append(evidence, "all failed criteria are non-critical: "+strings.Join(nonCritical, "; "))
	}

	var rec Recommendation
	switch {
	case len(tests) > 0 && len(critical) > 0:
		rec = RecommendManualFix
	case differ:
		rec = RecommendChangeApproach
	case canSkip:
		rec = RecommendSkip
	default:
		rec = RecommendManualFix
	}

	return &Info{
		TaskID:         s.TaskID,
		RetryCount:     s.Count,
		Recommendation: rec,
		Evidence:       evidence,
		Failures:       slices.Clone(s.Failures),
		Summary:        FormatSummary(s.TaskID, s.Count, rec, lastReason(s.Failures)),
	}
}

func lastReason(failures []Failure) string {
	if len(failures) == 0 {
		return ""
	}
	return failures[len(failures)-1].Reason
}

// FormatSummary renders a one-line escalation summary:
//
//	[COE] RETRY_LIMIT: <task> failed <n> times; recommend <rec>. Last: <reason>.
func FormatSummary(taskID string, count int, rec Recommendation, reason string) string {
	s := fmt.Sprintf("[COE] RETRY_LIMIT: %s failed %d times; recommend %s.", taskID, count, rec)
	if reason != "" {
		s += fmt.Sprintf(" Last: %s.", strings.TrimRight(reason, "."))
	}
	return s
}

func uniq(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
