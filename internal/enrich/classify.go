package enrich

import (
	"strings"

	"github.com/vigil-net/vigil/internal/model"
)

// Curated lexicons for classifying an ASN organization name. Matching is
// case-insensitive substring; first hit in priority order wins.

var vpnKeywords = []string{
	"vpn", "nord", "expressvpn", "surfshark", "proton", "mullvad",
	"windscribe", "cyberghost", "private internet access", "ipvanish",
	"hide.me", "tunnelbear", "privado", "anonym",
}

var hostingKeywords = []string{
	"hosting", "datacenter", "data center", "server", "cloud", "vps",
	"dedicated", "colocation", "colo", "amazon", "aws", "google cloud",
	"microsoft azure", "azure", "digitalocean", "hetzner", "ovh",
	"linode", "vultr", "scaleway", "contabo", "leaseweb", "selectel",
	"timeweb", "reg.ru", "hostinger", "alibaba cloud", "oracle cloud",
}

var mobileKeywords = []string{
	"mobile", "cellular", "wireless", "lte", "gsm", "umts", "3g", "4g", "5g",
	"t-mobile", "vodafone", "orange", "telefonica", "mts", "megafon",
	"beeline", "tele2", "yota", "o2", "verizon wireless", "at&t mobility",
}

var businessKeywords = []string{
	"bank", "university", "institute", "government", "ministry",
	"corporation", "enterprise", "llc office", "campus",
}

var infrastructureKeywords = []string{
	"ix", "internet exchange", "backbone", "transit", "carrier", "nren",
	"research network",
}

// ClassifyOrg maps an ASN organization name to a provider type using the
// keyword lexicons. Unknown names default to consumer ISP, which is the
// least suspicious class.
func ClassifyOrg(org string) model.ProviderType {
	name := strings.ToLower(org)
	if name == "" {
		return model.ProviderISP
	}
	switch {
	case matchAny(name, vpnKeywords):
		return model.ProviderVPN
	case matchAny(name, hostingKeywords):
		return model.ProviderHosting
	case matchAny(name, mobileKeywords):
		return model.ProviderMobileISP
	case matchAny(name, infrastructureKeywords):
		return model.ProviderInfrastructure
	case matchAny(name, businessKeywords):
		return model.ProviderBusiness
	}
	return model.ProviderISP
}

func matchAny(name string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

// regionKeywords maps descriptive aut-num attributes to region names for
// the bulk ASN sync. Keys are matched case-insensitively.
var regionKeywords = map[string]string{
	"moscow":           "Moscow",
	"msk":              "Moscow",
	"saint petersburg": "Saint Petersburg",
	"st. petersburg":   "Saint Petersburg",
	"spb":              "Saint Petersburg",
	"novosibirsk":      "Novosibirsk",
	"ekaterinburg":     "Ekaterinburg",
	"kazan":            "Kazan",
	"berlin":           "Berlin",
	"munich":           "Munich",
	"frankfurt":        "Frankfurt",
	"amsterdam":        "Amsterdam",
	"london":           "London",
	"paris":            "Paris",
	"warsaw":           "Warsaw",
	"istanbul":         "Istanbul",
}

// extractRegion scans descriptive attributes for a known place keyword.
func extractRegion(descr []string) string {
	for _, d := range descr {
		low := strings.ToLower(d)
		for k, region := range regionKeywords {
			if strings.Contains(low, k) {
				return region
			}
		}
	}
	return ""
}
