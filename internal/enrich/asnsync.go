package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vigil-net/vigil/internal/model"
	"github.com/vigil-net/vigil/internal/state"
)

// registryPace is the gap between registry calls. The RIPE database is a
// shared public service; the sync is a background nicety, not a hot path.
const registryPace = 500 * time.Millisecond

// ASNSyncConfig configures the national ASN registry sync.
type ASNSyncConfig struct {
	// RegistryURL is the whois REST base, e.g. "https://rest.db.ripe.net".
	RegistryURL string
	// Country is the lowercase ISO alpha-2 country to sync.
	Country string
	// Limit caps how many ASNs one run fetches (default 100).
	Limit int
	// Client overrides the HTTP client (tests).
	Client *http.Client
	// Clock overrides the real clock (tests).
	Clock clockwork.Clock
}

// ASNSyncer pulls aut-num objects for one country from a whois REST
// registry, classifies each operator and caches the result in the local
// per-country ASN table.
type ASNSyncer struct {
	registryURL string
	country     string
	limit       int
	client      *http.Client
	clock       clockwork.Clock
	store       *state.Store
}

// NewASNSyncer creates the syncer. The store may be nil; Run then degrades
// to a no-op with an error result.
func NewASNSyncer(cfg ASNSyncConfig, store *state.Store) *ASNSyncer {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &ASNSyncer{
		registryURL: strings.TrimRight(cfg.RegistryURL, "/"),
		country:     strings.ToLower(cfg.Country),
		limit:       cfg.Limit,
		client:      cfg.Client,
		clock:       cfg.Clock,
		store:       store,
	}
}

// SyncKey returns the sync_metadata key for this syncer's country.
func (s *ASNSyncer) SyncKey() string { return "asn_" + s.country }

// Run performs one full sync pass: list the country's ASNs, fetch each
// aut-num with pacing, classify, and upsert the batch in one transaction.
func (s *ASNSyncer) Run(ctx context.Context) error {
	start := s.clock.Now().UTC()
	if s.country == "" {
		return nil
	}
	if err := s.store.EnsureASNTable(s.country); err != nil {
		return fmt.Errorf("asnsync: %w", err)
	}
	_ = s.store.RecordSyncResult(s.SyncKey(), model.SyncStatusRunning, start, 0, nil)

	asns, err := s.listCountryASNs(ctx)
	if err != nil {
		_ = s.store.RecordSyncResult(s.SyncKey(), model.SyncStatusFailed, s.clock.Now().UTC(), 0, err)
		return fmt.Errorf("asnsync: list %s: %w", s.country, err)
	}
	if len(asns) > s.limit {
		asns = asns[:s.limit]
	}
	log.Printf("[asnsync] %s: fetching %d aut-num objects", s.country, len(asns))

	records := make([]model.ASNRecord, 0, len(asns))
	for i, asn := range asns {
		if i > 0 {
			select {
			case <-ctx.Done():
				_ = s.store.RecordSyncResult(s.SyncKey(), model.SyncStatusFailed, s.clock.Now().UTC(), 0, ctx.Err())
				return ctx.Err()
			case <-s.clock.After(registryPace):
			}
		}
		rec, err := s.fetchAutNum(ctx, asn)
		if err != nil {
			log.Printf("[asnsync] AS%d: %v", asn, err)
			continue
		}
		records = append(records, *rec)
	}

	written, err := s.store.UpsertASNRecords(s.country, records)
	if err != nil {
		_ = s.store.RecordSyncResult(s.SyncKey(), model.SyncStatusFailed, s.clock.Now().UTC(), written, err)
		return fmt.Errorf("asnsync: upsert %s: %w", s.country, err)
	}
	_ = s.store.RecordSyncResult(s.SyncKey(), model.SyncStatusOK, s.clock.Now().UTC(), written, nil)
	log.Printf("[asnsync] %s: wrote %d records", s.country, written)
	return nil
}

// whoisSearch is the whois REST search envelope; only the fields the sync
// reads are declared.
type whoisSearch struct {
	Objects struct {
		Object []whoisObject `json:"object"`
	} `json:"objects"`
}

type whoisObject struct {
	Type       string `json:"type"`
	PrimaryKey struct {
		Attribute []whoisAttr `json:"attribute"`
	} `json:"primary-key"`
	Attributes struct {
		Attribute []whoisAttr `json:"attribute"`
	} `json:"attributes"`
}

type whoisAttr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// listCountryASNs queries the registry search endpoint for aut-num
// objects registered under the country.
func (s *ASNSyncer) listCountryASNs(ctx context.Context) ([]int, error) {
	q := url.Values{}
	q.Set("query-string", strings.ToUpper(s.country))
	q.Add("inverse-attribute", "country")
	q.Add("type-filter", "aut-num")
	q.Set("flags", "no-referenced")
	u := s.registryURL + "/search.json?" + q.Encode()

	var sr whoisSearch
	if err := s.getJSON(ctx, u, &sr); err != nil {
		return nil, err
	}

	var asns []int
	for _, obj := range sr.Objects.Object {
		if obj.Type != "aut-num" {
			continue
		}
		for _, a := range obj.PrimaryKey.Attribute {
			if a.Name == "aut-num" {
				if n := parseASNumber(a.Value); n > 0 {
					asns = append(asns, n)
				}
			}
		}
	}
	return asns, nil
}

// fetchAutNum pulls one aut-num object and folds its attributes into a
// classified record.
func (s *ASNSyncer) fetchAutNum(ctx context.Context, asn int) (*model.ASNRecord, error) {
	u := fmt.Sprintf("%s/ripe/aut-num/AS%d.json?unfiltered", s.registryURL, asn)

	var sr whoisSearch
	if err := s.getJSON(ctx, u, &sr); err != nil {
		return nil, err
	}
	if len(sr.Objects.Object) == 0 {
		return nil, fmt.Errorf("empty aut-num response")
	}

	var name, org string
	var descr []string
	for _, a := range sr.Objects.Object[0].Attributes.Attribute {
		switch a.Name {
		case "as-name":
			name = a.Value
		case "org", "org-name":
			if org == "" {
				org = a.Value
			}
		case "descr":
			descr = append(descr, a.Value)
		}
	}
	display := name
	if len(descr) > 0 {
		display = descr[0]
	}
	if name == "" {
		name = org
	}

	now := s.clock.Now().UTC()
	rec := &model.ASNRecord{
		ASN:          asn,
		OrgName:      display,
		OrgNameEn:    name,
		ProviderType: ClassifyOrg(display + " " + name),
		Region:       extractRegion(descr),
		CountryCode:  strings.ToUpper(s.country),
		Description:  strings.Join(descr, "; "),
		IsActive:     true,
		LastSyncedAt: now,
	}
	return rec, nil
}

func (s *ASNSyncer) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
