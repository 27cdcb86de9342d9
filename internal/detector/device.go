package detector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// deviceInfo is the subset of the device_info payload used for
// fingerprinting. Agents that don't report it leave the sub-score at 0.
type deviceInfo struct {
	UserAgent string `json:"user_agent"`
	OS        string `json:"os"`
	HWID      string `json:"hwid"`
}

// Per-fingerprint scoring knobs.
const (
	scorePerExtraFingerprint = 20
	scorePerExtraOSClass     = 15
)

// analyzeDevice scores distinct device fingerprints observed in the
// window. A fingerprint is the xxh3 of (user-agent family, OS class,
// hwid); one device is expected, each additional one adds weight.
func analyzeDevice(in *input) subResult {
	var res subResult

	fingerprints := map[uint64]struct{}{}
	osClasses := map[string]struct{}{}
	for _, c := range in.history {
		if len(c.DeviceInfo) == 0 {
			continue
		}
		var di deviceInfo
		if err := json.Unmarshal(c.DeviceInfo, &di); err != nil {
			continue
		}
		family := uaFamily(di.UserAgent)
		osClass := osClassOf(di.OS, di.UserAgent)
		if family == "" && osClass == "" && di.HWID == "" {
			continue
		}
		fingerprints[xxh3.HashString(family+"|"+osClass+"|"+di.HWID)] = struct{}{}
		if osClass != "" {
			osClasses[osClass] = struct{}{}
		}
	}
	if len(fingerprints) == 0 {
		return res
	}

	if extra := len(fingerprints) - 1; extra > 0 {
		res.score += float64(extra * scorePerExtraFingerprint)
		res.reasons = append(res.reasons,
			fmt.Sprintf("%d distinct device fingerprints in window", len(fingerprints)))
	}
	if extra := len(osClasses) - 1; extra > 0 {
		res.score += float64(extra * scorePerExtraOSClass)
		res.reasons = append(res.reasons,
			fmt.Sprintf("%d distinct OS classes in window", len(osClasses)))
	}

	if res.score > 100 {
		res.score = 100
	}
	return res
}

// uaFamily reduces a user-agent string to a coarse client family.
func uaFamily(ua string) string {
	low := strings.ToLower(ua)
	for _, f := range []string{"v2rayng", "v2rayn", "streisand", "hiddify", "nekobox", "sing-box", "clash", "shadowrocket", "happ", "foxray"} {
		if strings.Contains(low, f) {
			return f
		}
	}
	if i := strings.IndexByte(ua, '/'); i > 0 {
		return strings.ToLower(ua[:i])
	}
	return low
}

// osClassOf reduces OS / UA hints to one of a few coarse classes.
func osClassOf(os, ua string) string {
	low := strings.ToLower(os + " " + ua)
	switch {
	case strings.Contains(low, "android"):
		return "android"
	case strings.Contains(low, "ios"), strings.Contains(low, "iphone"), strings.Contains(low, "ipad"):
		return "ios"
	case strings.Contains(low, "windows"):
		return "windows"
	case strings.Contains(low, "mac"), strings.Contains(low, "darwin"):
		return "macos"
	case strings.Contains(low, "linux"):
		return "linux"
	}
	return ""
}
