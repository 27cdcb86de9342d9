package detector

import (
	"fmt"
	"log"
	"math"
	"time"
)

const (
	// baselineDays is the rolling window the per-user baseline is built from.
	baselineDays = 14
	// baselineMinDays of observed activity before the baseline is trusted.
	baselineMinDays = 3
)

// analyzeProfile compares the current day's distinct-IP count against the
// user's rolling baseline. The sub-score is the positive z-score mapped so
// that three standard deviations reach 100. Too little history scores 0.
func (d *Detector) analyzeProfile(in *input) subResult {
	var res subResult

	window := time.Duration(baselineDays+1) * 24 * time.Hour
	hist, err := d.ledger.History(in.user.UUID, window)
	if err != nil {
		log.Printf("[detector] profile history for %s: %v", in.user.UUID, err)
		return res
	}

	// Bucket distinct IPs per UTC day, current 24h excluded from baseline.
	cutoff := in.now.Add(-analysisWindow)
	days := map[string]map[string]struct{}{}
	current := map[string]struct{}{}
	for _, c := range hist {
		if c.ConnectedAt.After(cutoff) {
			current[c.IPAddress] = struct{}{}
			continue
		}
		day := c.ConnectedAt.UTC().Format("2006-01-02")
		if days[day] == nil {
			days[day] = map[string]struct{}{}
		}
		days[day][c.IPAddress] = struct{}{}
	}
	if len(days) < baselineMinDays {
		return res
	}

	var sum, sumSq float64
	for _, ips := range days {
		n := float64(len(ips))
		sum += n
		sumSq += n * n
	}
	n := float64(len(days))
	mean := sum / n
	variance := sumSq/n - mean*mean
	std := math.Sqrt(math.Max(variance, 0))
	if std < 1 {
		std = 1
	}

	z := (float64(len(current)) - mean) / std
	if z <= 0 {
		return res
	}
	res.score = math.Min(100, z/3*100)
	if res.score >= 30 {
		res.reasons = append(res.reasons,
			fmt.Sprintf("distinct IPs today (%d) far above baseline (mean %.1f)", len(current), mean))
	}
	return res
}
