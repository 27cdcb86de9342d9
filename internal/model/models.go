// Package model defines domain structs shared across the persistence layer,
// the collector API and the detector.
package model

import (
	"encoding/json"
	"time"
)

// UserStatus is the subscription status mirrored from the control plane.
type UserStatus string

const (
	UserStatusActive   UserStatus = "ACTIVE"
	UserStatusDisabled UserStatus = "DISABLED"
	UserStatusLimited  UserStatus = "LIMITED"
	UserStatusExpired  UserStatus = "EXPIRED"
)

// IsValid reports whether s is a recognized user status.
func (s UserStatus) IsValid() bool {
	switch s {
	case UserStatusActive, UserStatusDisabled, UserStatusLimited, UserStatusExpired:
		return true
	}
	return false
}

// User is a subscriber mirrored from the control plane. Telemetry never
// mutates users; only the sync worker writes them.
type User struct {
	UUID              string          `json:"uuid"`
	ShortUUID         string          `json:"short_uuid"`
	Username          string          `json:"username"`
	SubscriptionUUID  string          `json:"subscription_uuid"`
	TelegramID        int64           `json:"telegram_id"`
	Email             string          `json:"email"`
	Status            UserStatus      `json:"status"`
	ExpireAt          time.Time       `json:"expire_at"`
	TrafficLimitBytes int64           `json:"traffic_limit_bytes"`
	UsedTrafficBytes  int64           `json:"used_traffic_bytes"`
	HWIDDeviceLimit   int             `json:"hwid_device_limit"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	RawData           json.RawMessage `json:"raw_data,omitempty"`
}

// DeviceLimit returns the permitted device count, never below 1.
func (u *User) DeviceLimit() int {
	if u.HWIDDeviceLimit < 1 {
		return 1
	}
	return u.HWIDDeviceLimit
}

// Node is an edge node mirrored from the control plane. AgentToken is the
// per-node bearer secret for the collector and is the only field written
// outside the sync worker.
type Node struct {
	UUID              string          `json:"uuid"`
	Name              string          `json:"name"`
	Address           string          `json:"address"`
	Port              int             `json:"port"`
	IsDisabled        bool            `json:"is_disabled"`
	IsConnected       bool            `json:"is_connected"`
	TrafficLimitBytes int64           `json:"traffic_limit_bytes"`
	TrafficUsedBytes  int64           `json:"traffic_used_bytes"`
	UpdatedAt         time.Time       `json:"updated_at"`
	AgentToken        string          `json:"agent_token,omitempty"`
	RawData           json.RawMessage `json:"raw_data,omitempty"`
}

// Connection is one row of the append-only connection ledger.
// DisconnectedAt is nil while the session is considered open.
type Connection struct {
	ID             int64           `json:"id"`
	UserUUID       string          `json:"user_uuid"`
	IPAddress      string          `json:"ip_address"`
	NodeUUID       string          `json:"node_uuid"`
	ConnectedAt    time.Time       `json:"connected_at"`
	DisconnectedAt *time.Time      `json:"disconnected_at"`
	DeviceInfo     json.RawMessage `json:"device_info,omitempty"`
}

// IsOpen reports whether the row has not been closed yet.
func (c *Connection) IsOpen() bool { return c.DisconnectedAt == nil }

// ConnectionReport is one tailer observation shipped inside a batch.
type ConnectionReport struct {
	UserEmail      string          `json:"user_email"`
	IPAddress      string          `json:"ip_address"`
	NodeUUID       string          `json:"node_uuid"`
	ConnectedAt    time.Time       `json:"connected_at"`
	DisconnectedAt *time.Time      `json:"disconnected_at"`
	BytesSent      int64           `json:"bytes_sent"`
	BytesReceived  int64           `json:"bytes_received"`
	DeviceInfo     json.RawMessage `json:"device_info,omitempty"`
}

// BatchReport is one HTTP submission of connection reports from a node.
type BatchReport struct {
	NodeUUID    string             `json:"node_uuid"`
	Timestamp   time.Time          `json:"timestamp"`
	Connections []ConnectionReport `json:"connections"`
}

// ProviderType classifies the operator behind an ASN.
type ProviderType string

const (
	ProviderISP            ProviderType = "isp"
	ProviderRegionalISP    ProviderType = "regional_isp"
	ProviderFixed          ProviderType = "fixed"
	ProviderMobileISP      ProviderType = "mobile_isp"
	ProviderHosting        ProviderType = "hosting"
	ProviderBusiness       ProviderType = "business"
	ProviderMobile         ProviderType = "mobile"
	ProviderInfrastructure ProviderType = "infrastructure"
	ProviderVPN            ProviderType = "vpn"
)

// IsMobile reports whether the provider class is a mobile carrier.
func (p ProviderType) IsMobile() bool {
	return p == ProviderMobileISP || p == ProviderMobile
}

// ASNRecord is a locally cached ASN classification row.
type ASNRecord struct {
	ASN          int          `json:"asn"`
	OrgName      string       `json:"org_name"`
	OrgNameEn    string       `json:"org_name_en"`
	ProviderType ProviderType `json:"provider_type"`
	Region       string       `json:"region"`
	City         string       `json:"city"`
	CountryCode  string       `json:"country_code"`
	Description  string       `json:"description"`
	IPRanges     string       `json:"ip_ranges"`
	IsActive     bool         `json:"is_active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	LastSyncedAt time.Time    `json:"last_synced_at"`
}

// IPMetadata is the enrichment result for a single IP address.
type IPMetadata struct {
	IP           string       `json:"ip"`
	CountryCode  string       `json:"country_code"`
	City         string       `json:"city"`
	Latitude     float64      `json:"latitude"`
	Longitude    float64      `json:"longitude"`
	ASN          int          `json:"asn"`
	OrgName      string       `json:"org_name"`
	ProviderType ProviderType `json:"provider_type"`
	IsMobile     bool         `json:"is_mobile"`
	IsHosting    bool         `json:"is_hosting"`
	IsVPN        bool         `json:"is_vpn"`
	IsProxy      bool         `json:"is_proxy"`
	IsPrivate    bool         `json:"is_private"`
}

// RecommendedAction is the graded enforcement recommendation.
type RecommendedAction string

const (
	ActionNone      RecommendedAction = "no_action"
	ActionMonitor   RecommendedAction = "monitor"
	ActionWarn      RecommendedAction = "warn"
	ActionSoftBlock RecommendedAction = "soft_block"
	ActionTempBlock RecommendedAction = "temp_block"
	ActionHardBlock RecommendedAction = "hard_block"
)

// ScoreBreakdown holds per-analyzer sub-scores before weighting.
type ScoreBreakdown struct {
	Temporal float64 `json:"temporal"`
	Geo      float64 `json:"geo"`
	ASN      float64 `json:"asn"`
	Profile  float64 `json:"profile"`
	Device   float64 `json:"device"`
}

// ViolationScore is the transient result of one detector run.
type ViolationScore struct {
	UserUUID                 string            `json:"user_uuid"`
	Total                    float64           `json:"total"`
	Breakdown                ScoreBreakdown    `json:"breakdown"`
	Reasons                  []string          `json:"reasons"`
	Confidence               float64           `json:"confidence"`
	RecommendedAction        RecommendedAction `json:"recommended_action"`
	ImpossibleTravelDetected bool              `json:"impossible_travel_detected"`
	SimultaneousConnections  int               `json:"simultaneous_connections"`
	EvaluatedAt              time.Time         `json:"evaluated_at"`
}

// SyncStatus is the outcome of the latest sync run for an entity class.
type SyncStatus string

const (
	SyncStatusOK      SyncStatus = "ok"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncMetadata is a per-entity-class sync progress row.
type SyncMetadata struct {
	Key           string     `json:"key"`
	LastSyncAt    time.Time  `json:"last_sync_at"`
	SyncStatus    SyncStatus `json:"sync_status"`
	ErrorMessage  string     `json:"error_message"`
	RecordsSynced int        `json:"records_synced"`
}
