// Package alert evaluates health rules against point-in-time snapshots.
//
// The evaluator holds no state between calls: a condition that stops holding
// simply stops appearing in the next evaluation. Hysteresis, deduplication,
// and notification routing belong to whatever consumes the instances.
package alert

import (
	"fmt"
	"sort"
	"time"

	"github.com/proposalforge/collabd/internal/telemetry"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Rule codes.
const (
	CodeActiveConnectionsLow = "active_connections_low"
	CodeSessionLatencyHigh   = "session_latency_high"
	CodeReconnectStorm       = "reconnect_storm"
)

// Snapshot is the input to one evaluation pass.
type Snapshot struct {
	At             time.Time
	PresenceCounts map[string]int // document ID -> active participants
	Sessions       []telemetry.SessionMetrics
}

// Instance is one firing condition.
type Instance struct {
	Code      string  `json:"code"`
	Severity  string  `json:"severity"`
	Scope     string  `json:"scope"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Rule checks one condition against a snapshot, returning zero or more
// instances.
type Rule struct {
	Code  string
	Check func(Snapshot) []Instance
}

// Evaluate runs every rule against the snapshot and returns all firing
// instances, ordered by code then scope.
func Evaluate(snap Snapshot, rules []Rule) []Instance {
	var out []Instance
	for _, r := range rules {
		out = append(out, r.Check(snap)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// ActiveConnectionsLow fires when a document's participant count is strictly
// below the threshold. With scopes given, only those documents are checked
// and a missing document counts as zero; without scopes, every document in
// the snapshot is checked.
func ActiveConnectionsLow(threshold int, scopes ...string) Rule {
	return Rule{
		Code: CodeActiveConnectionsLow,
		Check: func(snap Snapshot) []Instance {
			var out []Instance
			check := func(doc string, count int) {
				if count >= threshold {
					return
				}
				out = append(out, Instance{
					Code:      CodeActiveConnectionsLow,
					Severity:  SeverityWarning,
					Scope:     doc,
					Message:   fmt.Sprintf("document %s has %d active participants, below %d", doc, count, threshold),
					Value:     float64(count),
					Threshold: float64(threshold),
				})
			}

			if len(scopes) > 0 {
				for _, doc := range scopes {
					check(doc, snap.PresenceCounts[doc])
				}
				return out
			}
			for doc, count := range snap.PresenceCounts {
				check(doc, count)
			}
			return out
		},
	}
}

// SessionLatencyHigh fires per active session whose p95 round-trip exceeds
// the threshold in milliseconds.
func SessionLatencyHigh(thresholdMS float64) Rule {
	return Rule{
		Code: CodeSessionLatencyHigh,
		Check: func(snap Snapshot) []Instance {
			var out []Instance
			for _, s := range snap.Sessions {
				if !s.Active || s.P95LatencyMS <= thresholdMS {
					continue
				}
				out = append(out, Instance{
					Code:      CodeSessionLatencyHigh,
					Severity:  SeverityWarning,
					Scope:     s.SessionID,
					Message:   fmt.Sprintf("session %s p95 latency %.1fms exceeds %.1fms", s.SessionID, s.P95LatencyMS, thresholdMS),
					Value:     s.P95LatencyMS,
					Threshold: thresholdMS,
				})
			}
			return out
		},
	}
}

// ReconnectStorm fires per client whose reconnect count reaches the
// threshold.
func ReconnectStorm(threshold int) Rule {
	return Rule{
		Code: CodeReconnectStorm,
		Check: func(snap Snapshot) []Instance {
			var out []Instance
			for _, s := range snap.Sessions {
				if s.Reconnects < threshold {
					continue
				}
				out = append(out, Instance{
					Code:      CodeReconnectStorm,
					Severity:  SeverityCritical,
					Scope:     s.ClientID,
					Message:   fmt.Sprintf("client %s reconnected %d times, at or above %d", s.ClientID, s.Reconnects, threshold),
					Value:     float64(s.Reconnects),
					Threshold: float64(threshold),
				})
			}
			return out
		},
	}
}
