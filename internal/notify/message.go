package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vigil-net/vigil/internal/model"
)

// RenderViolation formats a detector result for the violations topic.
func RenderViolation(user *model.User, score *model.ViolationScore) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Violation: %s (%.0f/100, %s)\n", user.Username, score.Total, score.RecommendedAction)
	fmt.Fprintf(&b, "confidence %.2f, simultaneous IPs %d\n", score.Confidence, score.SimultaneousConnections)
	if score.ImpossibleTravelDetected {
		b.WriteString("impossible travel detected\n")
	}
	fmt.Fprintf(&b, "breakdown: temporal %.0f / geo %.0f / asn %.0f / profile %.0f / device %.0f\n",
		score.Breakdown.Temporal, score.Breakdown.Geo, score.Breakdown.ASN,
		score.Breakdown.Profile, score.Breakdown.Device)
	for _, r := range score.Reasons {
		b.WriteString("• " + r + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderLifecycle formats an entity lifecycle event. When oldState is
// present the message carries a field-by-field diff against it.
func RenderLifecycle(event, title string, newState, oldState json.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", event, title)
	if diff := DiffFields(oldState, newState); len(diff) > 0 {
		b.WriteString("\n" + strings.Join(diff, "\n"))
	}
	return b.String()
}

// DiffFields compares two flat JSON objects and reports changed top-level
// fields as "field: old -> new" lines, sorted by field name. Either side
// being absent or unparseable yields no diff.
func DiffFields(oldState, newState json.RawMessage) []string {
	if len(oldState) == 0 || len(newState) == 0 {
		return nil
	}
	var oldMap, newMap map[string]any
	if json.Unmarshal(oldState, &oldMap) != nil || json.Unmarshal(newState, &newMap) != nil {
		return nil
	}

	var fields []string
	for k := range newMap {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var out []string
	for _, k := range fields {
		oldVal, had := oldMap[k]
		newVal := newMap[k]
		if !had {
			out = append(out, fmt.Sprintf("%s: + %s", k, renderValue(newVal)))
			continue
		}
		if renderValue(oldVal) != renderValue(newVal) {
			out = append(out, fmt.Sprintf("%s: %s -> %s", k, renderValue(oldVal), renderValue(newVal)))
		}
	}
	return out
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
