package detector

import (
	"fmt"
	"strings"
	"time"

	"github.com/vigil-net/vigil/internal/model"
)

// crossBorderFast is the travel-plausibility proxy: two consecutive
// connections from different countries closer together than this cannot
// be the same person moving.
const crossBorderFast = time.Hour

// analyzeGeo scores geographic dispersion. When no IPs resolve the
// sub-score is 0: absence of data is not a violation.
func analyzeGeo(in *input) subResult {
	var res subResult

	// Simultaneously-active IPs in two or more countries.
	activeCountries := map[string]struct{}{}
	for _, c := range in.active {
		if m := resolved(in, c.IPAddress); m != nil && m.CountryCode != "" {
			activeCountries[m.CountryCode] = struct{}{}
		}
	}
	if len(activeCountries) >= 2 {
		res.score = 90
		res.impossibleTravel = true
		res.reasons = append(res.reasons,
			fmt.Sprintf("active connections from %d countries at once (%s)",
				len(activeCountries), joinSorted(activeCountries)))
	}

	hist := make([]model.Connection, len(in.history))
	copy(hist, in.history)
	sortAscending(hist)

	for i := 1; i < len(hist); i++ {
		prev := resolved(in, hist[i-1].IPAddress)
		cur := resolved(in, hist[i].IPAddress)
		if prev == nil || cur == nil || prev.CountryCode == "" || cur.CountryCode == "" {
			continue
		}
		gap := hist[i].ConnectedAt.Sub(hist[i-1].ConnectedAt)
		switch {
		case prev.CountryCode != cur.CountryCode && gap < crossBorderFast:
			if res.score < 50 {
				res.score = 50
			}
			res.impossibleTravel = true
			res.reasons = append(res.reasons,
				fmt.Sprintf("country change %s -> %s within %s",
					prev.CountryCode, cur.CountryCode, gap.Round(time.Second)))
		case prev.CountryCode != cur.CountryCode:
			if res.score < 15 {
				res.score = 15
			}
			res.reasons = append(res.reasons,
				fmt.Sprintf("country change %s -> %s", prev.CountryCode, cur.CountryCode))
		case prev.City != "" && cur.City != "" && prev.City != cur.City:
			if res.score < 5 {
				res.score = 5
			}
		}
	}

	if res.score > 100 {
		res.score = 100
	}
	return res
}

func resolved(in *input, ip string) *model.IPMetadata {
	m := in.meta[ip]
	if m == nil || m.IsPrivate {
		return nil
	}
	return m
}

func joinSorted(set map[string]struct{}) string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return strings.Join(out, ", ")
}
