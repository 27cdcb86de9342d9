package enrich

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"

	"github.com/vigil-net/vigil/internal/model"
)

// mmdbReader wraps an optional local mmdb database (GeoLite2-City layout)
// behind an RWMutex so it can be hot-swapped on refresh.
type mmdbReader struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
	Traits struct {
		AutonomousSystemNumber       int    `maxminddb:"autonomous_system_number"`
		AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
	} `maxminddb:"traits"`
}

// Lookup resolves the address locally. ok is false when the database has
// no usable record, in which case the caller falls through to upstream.
func (m *mmdbReader) Lookup(addr netip.Addr) (model.IPMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.reader == nil {
		return model.IPMetadata{}, false
	}

	var rec mmdbRecord
	ip := net.IP(addr.AsSlice())
	if err := m.reader.Lookup(ip, &rec); err != nil {
		return model.IPMetadata{}, false
	}
	if rec.Country.ISOCode == "" {
		return model.IPMetadata{}, false
	}

	meta := model.IPMetadata{
		CountryCode: rec.Country.ISOCode,
		City:        rec.City.Names["en"],
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
		ASN:         rec.Traits.AutonomousSystemNumber,
		OrgName:     rec.Traits.AutonomousSystemOrganization,
	}
	meta.ProviderType = ClassifyOrg(meta.OrgName)
	meta.IsMobile = meta.ProviderType.IsMobile()
	meta.IsHosting = meta.ProviderType == model.ProviderHosting
	meta.IsVPN = meta.ProviderType == model.ProviderVPN
	return meta, true
}

// Swap atomically replaces the reader after a database refresh.
func (m *mmdbReader) Swap(path string) error {
	next, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("enrich: reload mmdb %s: %w", path, err)
	}
	m.mu.Lock()
	old := m.reader
	m.reader = next
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (m *mmdbReader) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader != nil {
		m.reader.Close()
		m.reader = nil
	}
}
