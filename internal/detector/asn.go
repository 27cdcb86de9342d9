package detector

import (
	"fmt"

	"github.com/vigil-net/vigil/internal/model"
)

// analyzeASN scores the provider mix behind the window's IPs. A mobile-only
// mix scores 0 but raises the carrier flag that discounts the final total.
func analyzeASN(in *input) subResult {
	var res subResult

	var vpn, hosting, consumer, mobile, business, other int
	for _, m := range in.meta {
		if m == nil || m.IsPrivate {
			continue
		}
		switch {
		case m.IsVPN || m.IsProxy || m.ProviderType == model.ProviderVPN:
			vpn++
		case m.IsHosting || m.ProviderType == model.ProviderHosting:
			hosting++
		case m.ProviderType.IsMobile() || m.IsMobile:
			mobile++
		case m.ProviderType == model.ProviderBusiness:
			business++
		case m.ProviderType == model.ProviderISP,
			m.ProviderType == model.ProviderRegionalISP,
			m.ProviderType == model.ProviderFixed:
			consumer++
		default:
			other++
		}
	}
	total := vpn + hosting + consumer + mobile + business + other
	if total == 0 {
		return res
	}

	if vpn > 0 {
		res.score = 70
		res.reasons = append(res.reasons,
			fmt.Sprintf("VPN/proxy provider detected (%d address(es))", vpn))
	}
	if consumer > 0 && hosting > 0 {
		res.score += 20
		res.reasons = append(res.reasons, "mixed consumer ISP and hosting providers")
	}
	if mobile == total {
		res.mobileCarrier = true
		res.reasons = append(res.reasons, "all providers are mobile carriers")
	}

	if res.score > 100 {
		res.score = 100
	}
	return res
}
