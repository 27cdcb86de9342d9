// Package config handles environment-based configuration loading for the
// collector daemon and the node agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Topic names recognized by the notification dispatcher.
const (
	TopicUsers      = "users"
	TopicNodes      = "nodes"
	TopicService    = "service"
	TopicHWID       = "hwid"
	TopicCRM        = "crm"
	TopicErrors     = "errors"
	TopicViolations = "violations"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Control plane
	APIBaseURL string
	APIToken   string

	// Storage
	DatabaseURL   string
	DBPoolMinSize int
	DBPoolMaxSize int

	// Sync
	SyncInterval time.Duration

	// Webhook listener
	WebhookPort   int
	WebhookSecret string

	// Collector
	CollectorPort int

	// Notifications
	NotificationsChatID string
	TopicChatIDs        map[string]string
	NotifyRoutesFile    string
	NotifyRelayURL      string

	// Node agent
	XrayLogPath        string
	LogReadBufferBytes int
	NodeUUID           string
	AgentToken         string
	CollectorURL       string

	// Enrichment
	EnrichAPIURL      string
	EnrichMinInterval time.Duration
	GeoIPMMDBPath     string
	ASNRegistryURL    string
	ASNSyncCountry    string
	ASNSyncLimit      int
	ASNSyncSchedule   string

	// Misc
	DefaultLocale string
}

// LoadEnvConfig reads environment variables (after an optional .env file)
// and returns a validated EnvConfig. Binary-specific required fields are
// checked by RequireCollector / RequireAgent.
func LoadEnvConfig() (*EnvConfig, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := &EnvConfig{}
	var errs []string

	cfg.APIBaseURL = strings.TrimRight(envStr("API_BASE_URL", ""), "/")
	cfg.APIToken = envStr("API_TOKEN", "")

	cfg.DatabaseURL = envStr("DATABASE_URL", "vigil.db")
	cfg.DBPoolMinSize = envInt("DB_POOL_MIN_SIZE", 2, &errs)
	cfg.DBPoolMaxSize = envInt("DB_POOL_MAX_SIZE", 10, &errs)

	syncSeconds := envInt("SYNC_INTERVAL_SECONDS", 300, &errs)
	cfg.SyncInterval = time.Duration(syncSeconds) * time.Second

	cfg.WebhookPort = envInt("WEBHOOK_PORT", 8080, &errs)
	cfg.WebhookSecret = envStr("WEBHOOK_SECRET", "")

	cfg.CollectorPort = envInt("COLLECTOR_PORT", 8081, &errs)

	cfg.NotificationsChatID = envStr("NOTIFICATIONS_CHAT_ID", "")
	cfg.TopicChatIDs = map[string]string{}
	for _, topic := range []string{
		TopicUsers, TopicNodes, TopicService, TopicHWID,
		TopicCRM, TopicErrors, TopicViolations,
	} {
		key := "NOTIFICATIONS_TOPIC_" + strings.ToUpper(topic) + "_ID"
		if v := envStr(key, ""); v != "" {
			cfg.TopicChatIDs[topic] = v
		}
	}
	cfg.NotifyRoutesFile = envStr("NOTIFY_ROUTES_FILE", "")
	cfg.NotifyRelayURL = strings.TrimRight(envStr("NOTIFY_RELAY_URL", ""), "/")

	cfg.XrayLogPath = envStr("XRAY_LOG_PATH", "/var/log/xray/access.log")
	cfg.LogReadBufferBytes = envInt("LOG_READ_BUFFER_BYTES", 64*1024, &errs)
	cfg.NodeUUID = envStr("NODE_UUID", "")
	cfg.AgentToken = envStr("AGENT_TOKEN", "")
	cfg.CollectorURL = strings.TrimRight(envStr("COLLECTOR_URL", ""), "/")

	cfg.EnrichAPIURL = strings.TrimRight(envStr("ENRICH_API_URL", "http://ip-api.com/json"), "/")
	cfg.EnrichMinInterval = envDuration("ENRICH_MIN_INTERVAL", 1500*time.Millisecond, &errs)
	cfg.GeoIPMMDBPath = envStr("GEOIP_MMDB_PATH", "")
	cfg.ASNRegistryURL = strings.TrimRight(envStr("ASN_REGISTRY_URL", "https://rest.db.ripe.net"), "/")
	cfg.ASNSyncCountry = strings.ToLower(envStr("ASN_SYNC_COUNTRY", ""))
	cfg.ASNSyncLimit = envInt("ASN_SYNC_LIMIT", 100, &errs)
	cfg.ASNSyncSchedule = envStr("ASN_SYNC_SCHEDULE", "0 4 * * *")

	cfg.DefaultLocale = envStr("DEFAULT_LOCALE", "en")

	// --- Validation ---
	validatePort("WEBHOOK_PORT", cfg.WebhookPort, &errs)
	validatePort("COLLECTOR_PORT", cfg.CollectorPort, &errs)
	validatePositive("DB_POOL_MIN_SIZE", cfg.DBPoolMinSize, &errs)
	validatePositive("DB_POOL_MAX_SIZE", cfg.DBPoolMaxSize, &errs)
	if cfg.DBPoolMinSize > cfg.DBPoolMaxSize {
		errs = append(errs, "DB_POOL_MIN_SIZE must be less than or equal to DB_POOL_MAX_SIZE")
	}
	validatePositive("SYNC_INTERVAL_SECONDS", syncSeconds, &errs)
	validatePositive("LOG_READ_BUFFER_BYTES", cfg.LogReadBufferBytes, &errs)
	validatePositive("ASN_SYNC_LIMIT", cfg.ASNSyncLimit, &errs)
	if cfg.EnrichMinInterval < 0 {
		errs = append(errs, "ENRICH_MIN_INTERVAL must not be negative")
	}
	if _, err := cron.ParseStandard(cfg.ASNSyncSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("ASN_SYNC_SCHEDULE: invalid cron expression %q: %v", cfg.ASNSyncSchedule, err))
	}
	if cfg.ASNSyncCountry != "" && !isLowerAlpha2(cfg.ASNSyncCountry) {
		errs = append(errs, fmt.Sprintf("ASN_SYNC_COUNTRY: invalid country %q (must be ISO 3166-1 alpha-2)", cfg.ASNSyncCountry))
	}
	if cfg.NodeUUID != "" {
		if _, err := uuid.Parse(cfg.NodeUUID); err != nil {
			errs = append(errs, fmt.Sprintf("NODE_UUID: invalid uuid %q", cfg.NodeUUID))
		}
	}
	if cfg.AgentToken != "" && IsWeakToken(cfg.AgentToken) {
		errs = append(errs, "AGENT_TOKEN: token is too weak")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// RequireCollector checks the fields the collector daemon cannot run without.
func (c *EnvConfig) RequireCollector() error {
	var errs []string
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL must not be empty")
	}
	if c.WebhookSecret == "" {
		errs = append(errs, "WEBHOOK_SECRET must be set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("collector config:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// RequireAgent checks the fields the node agent cannot run without.
func (c *EnvConfig) RequireAgent() error {
	var errs []string
	if c.NodeUUID == "" {
		errs = append(errs, "NODE_UUID must be set")
	}
	if c.AgentToken == "" {
		errs = append(errs, "AGENT_TOKEN must be set")
	}
	if c.CollectorURL == "" {
		errs = append(errs, "COLLECTOR_URL must be set")
	}
	if c.XrayLogPath == "" {
		errs = append(errs, "XRAY_LOG_PATH must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("agent config:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func isLowerAlpha2(s string) bool {
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
