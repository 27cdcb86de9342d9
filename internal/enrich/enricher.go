// Package enrich resolves IP addresses to geo/ASN/provider metadata.
// Lookups go through a 24h in-memory cache and a serialized, politely
// rate-limited upstream client; private ranges short-circuit to a
// sentinel without consuming a rate-limit slot.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/maypok86/otter"

	"github.com/vigil-net/vigil/internal/model"
)

const (
	cacheCapacity = 16384
	cacheTTL      = 24 * time.Hour
)

// Private is the sentinel returned for private/loopback addresses.
var Private = model.IPMetadata{IsPrivate: true, ProviderType: model.ProviderInfrastructure}

// Config configures the Enricher.
type Config struct {
	// APIURL is the upstream resolver base, e.g. "http://ip-api.com/json".
	APIURL string
	// MinInterval is the minimum gap between upstream calls (default 1.5s).
	MinInterval time.Duration
	// MMDBPath optionally points at a local mmdb used as a fast path.
	MMDBPath string
	// Client overrides the HTTP client (tests).
	Client *http.Client
	// Clock overrides the real clock (tests).
	Clock clockwork.Clock
}

// Enricher is the IP metadata resolver.
type Enricher struct {
	apiURL      string
	minInterval time.Duration
	client      *http.Client
	clock       clockwork.Clock

	cache otter.Cache[string, model.IPMetadata]
	mmdb  *mmdbReader

	// gate serializes upstream calls and enforces the minimum interval.
	gate     sync.Mutex
	lastCall time.Time
}

// New creates an Enricher. The mmdb fast path is enabled when MMDBPath is
// set and loadable; a load failure only logs.
func New(cfg Config) *Enricher {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 1500 * time.Millisecond
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cache, err := otter.MustBuilder[string, model.IPMetadata](cacheCapacity).
		WithTTL(cacheTTL).
		Build()
	if err != nil {
		panic("enrich: failed to create cache: " + err.Error())
	}

	e := &Enricher{
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		minInterval: cfg.MinInterval,
		client:      cfg.Client,
		clock:       cfg.Clock,
		cache:       cache,
	}
	if cfg.MMDBPath != "" {
		e.mmdb = &mmdbReader{}
		if err := e.mmdb.Swap(cfg.MMDBPath); err != nil {
			log.Printf("[enrich] mmdb unavailable, using upstream only: %v", err)
		}
	}
	return e
}

// ReloadMMDB swaps in a freshly downloaded database file. Lookups keep
// serving the old data until the new reader is ready, and a failed reload
// keeps the current one. A no-op when the fast path was never configured.
func (e *Enricher) ReloadMMDB(path string) error {
	if e.mmdb == nil {
		return nil
	}
	return e.mmdb.Swap(path)
}

// Close releases the cache and the mmdb reader.
func (e *Enricher) Close() {
	e.cache.Close()
	if e.mmdb != nil {
		e.mmdb.Close()
	}
}

// Lookup resolves one IP. A nil result with nil error means the upstream
// had no answer; absence of data is not an error for scoring purposes.
func (e *Enricher) Lookup(ctx context.Context, ip string) (*model.IPMetadata, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("enrich: invalid ip %q", ip)
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
		m := Private
		m.IP = ip
		return &m, nil
	}

	if m, ok := e.cache.Get(ip); ok {
		return &m, nil
	}

	if e.mmdb != nil {
		if m, ok := e.mmdb.Lookup(addr); ok {
			m.IP = ip
			e.cache.Set(ip, m)
			return &m, nil
		}
	}

	m, err := e.fetchUpstream(ctx, ip)
	if err != nil {
		return nil, err
	}
	if m == nil {
		// Negative results are not cached: the next batch may retry.
		return nil, nil
	}
	e.cache.Set(ip, *m)
	return m, nil
}

// upstreamResponse is the ip-api style payload.
type upstreamResponse struct {
	Status      string  `json:"status"`
	CountryCode string  `json:"countryCode"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AS          string  `json:"as"`
	Org         string  `json:"org"`
	ISP         string  `json:"isp"`
	Mobile      bool    `json:"mobile"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
}

func (e *Enricher) fetchUpstream(ctx context.Context, ip string) (*model.IPMetadata, error) {
	if e.apiURL == "" {
		return nil, nil
	}
	e.waitTurn()

	u := e.apiURL + "/" + url.PathEscape(ip) + "?fields=status,countryCode,city,lat,lon,as,org,isp,mobile,proxy,hosting"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("enrich: build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrich: upstream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrich: upstream status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("enrich: read body: %w", err)
	}

	var ur upstreamResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return nil, fmt.Errorf("enrich: decode body: %w", err)
	}
	if ur.Status != "success" {
		return nil, nil
	}

	org := ur.Org
	if org == "" {
		org = ur.ISP
	}
	m := &model.IPMetadata{
		IP:          ip,
		CountryCode: ur.CountryCode,
		City:        ur.City,
		Latitude:    ur.Lat,
		Longitude:   ur.Lon,
		ASN:         parseASNumber(ur.AS),
		OrgName:     org,
		IsMobile:    ur.Mobile,
		IsHosting:   ur.Hosting,
		IsProxy:     ur.Proxy,
	}
	m.ProviderType = ClassifyOrg(org)
	// Fold upstream flags into the classification.
	switch {
	case ur.Proxy && m.ProviderType != model.ProviderVPN:
		m.ProviderType = model.ProviderVPN
	case ur.Hosting && m.ProviderType == model.ProviderISP:
		m.ProviderType = model.ProviderHosting
	case ur.Mobile && !m.ProviderType.IsMobile():
		m.ProviderType = model.ProviderMobileISP
	}
	m.IsVPN = m.ProviderType == model.ProviderVPN
	return m, nil
}

// waitTurn serializes upstream calls with the configured minimum gap.
func (e *Enricher) waitTurn() {
	e.gate.Lock()
	defer e.gate.Unlock()
	now := e.clock.Now()
	if !e.lastCall.IsZero() {
		if wait := e.minInterval - now.Sub(e.lastCall); wait > 0 {
			e.clock.Sleep(wait)
		}
	}
	e.lastCall = e.clock.Now()
}

// parseASNumber extracts 15169 from "AS15169 Google LLC".
func parseASNumber(s string) int {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "AS") {
		return 0
	}
	s = s[2:]
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
