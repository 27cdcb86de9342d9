package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vigil-net/vigil/internal/model"
)

// ASN tables are per-country (asn_ru, asn_de, ...). They are created on
// demand rather than by migrations because the set of synced countries is
// an operator choice.

func asnTableName(country string) (string, error) {
	if !isLowerAlpha2Table(country) {
		return "", fmt.Errorf("asn table: invalid country %q", country)
	}
	return "asn_" + country, nil
}

func isLowerAlpha2Table(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

// EnsureASNTable creates the per-country ASN table if missing.
func (s *Store) EnsureASNTable(country string) error {
	if s == nil || s.db == nil {
		return ErrNotConnected
	}
	table, err := asnTableName(country)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (
		asn             INTEGER PRIMARY KEY,
		org_name        TEXT NOT NULL DEFAULT '',
		org_name_en     TEXT NOT NULL DEFAULT '',
		provider_type   TEXT NOT NULL DEFAULT '',
		region          TEXT NOT NULL DEFAULT '',
		city            TEXT NOT NULL DEFAULT '',
		country_code    TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		ip_ranges       TEXT NOT NULL DEFAULT '',
		is_active       INTEGER NOT NULL DEFAULT 1,
		created_at_ns   INTEGER NOT NULL DEFAULT 0,
		updated_at_ns   INTEGER NOT NULL DEFAULT 0,
		last_synced_at_ns INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", table, err)
	}
	return nil
}

// UpsertASNRecords writes a batch of classified ASN rows in one
// transaction. Individual row failures are skipped; the count of rows
// actually written is returned.
func (s *Store) UpsertASNRecords(country string, records []model.ASNRecord) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotConnected
	}
	table, err := asnTableName(country)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("upsert asn begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO ` + table + ` (
		asn, org_name, org_name_en, provider_type, region, city, country_code,
		description, ip_ranges, is_active, created_at_ns, updated_at_ns, last_synced_at_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(asn) DO UPDATE SET
		org_name=excluded.org_name,
		org_name_en=excluded.org_name_en,
		provider_type=excluded.provider_type,
		region=excluded.region,
		city=excluded.city,
		country_code=excluded.country_code,
		description=excluded.description,
		ip_ranges=excluded.ip_ranges,
		is_active=excluded.is_active,
		updated_at_ns=excluded.updated_at_ns,
		last_synced_at_ns=excluded.last_synced_at_ns`)
	if err != nil {
		return 0, fmt.Errorf("upsert asn prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	written := 0
	for i := range records {
		r := &records[i]
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.Exec(
			r.ASN, r.OrgName, r.OrgNameEn, string(r.ProviderType), r.Region, r.City,
			r.CountryCode, r.Description, r.IPRanges, boolToInt(r.IsActive),
			toNs(created), toNs(now), toNs(r.LastSyncedAt),
		); err != nil {
			continue // skip individual row errors
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("upsert asn commit: %w", err)
	}
	return written, nil
}

// GetASNRecord looks up one ASN row in the per-country table.
func (s *Store) GetASNRecord(country string, asn int) (*model.ASNRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConnected
	}
	table, err := asnTableName(country)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`SELECT asn, org_name, org_name_en, provider_type, region, city,
		country_code, description, ip_ranges, is_active, created_at_ns, updated_at_ns, last_synced_at_ns
		FROM `+table+` WHERE asn = ?`, asn)

	var r model.ASNRecord
	var provider string
	var active int
	var createdNs, updatedNs, syncedNs int64
	err = row.Scan(&r.ASN, &r.OrgName, &r.OrgNameEn, &provider, &r.Region, &r.City,
		&r.CountryCode, &r.Description, &r.IPRanges, &active, &createdNs, &updatedNs, &syncedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asn %d: %w", asn, err)
	}
	r.ProviderType = model.ProviderType(provider)
	r.IsActive = active != 0
	r.CreatedAt = fromNs(createdNs)
	r.UpdatedAt = fromNs(updatedNs)
	r.LastSyncedAt = fromNs(syncedNs)
	return &r, nil
}
