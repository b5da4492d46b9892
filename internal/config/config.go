package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"fleet-monitor/safety/internal/domain"
)

type Config struct {
	// HTTP
	HTTPPort string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Classifier
	Thresholds         domain.Thresholds
	HysteresisSamples  int
	HysteresisCooldown time.Duration
	VehicleTTL         time.Duration

	// Broadcast hub
	ObserverQueueSize int
	SnapshotInterval  time.Duration

	// Decision provider
	DecisionTimeout        time.Duration
	DecisionAuditSize      int
	RemoteDecisionEnabled  bool
	RemoteDecisionURL      string
	RemoteDecisionAPIKey   string
	RemoteDecisionTokenURL string
	DecisionAgentID        string

	// TimescaleDB
	PersistEnabled bool
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBMaxConns     int32

	// Redis
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Pipeline channels
	DBChannelSize       int
	StateChannelSize    int
	DecisionChannelSize int

	// Batch writer tuning
	DBBatchSize       int
	DBFlushIntervalMS int

	// Auth
	AuthRequired        bool
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string

	// Ingestion rate limit, per API key or remote address
	IngestRatePerSec float64
	IngestBurst      int
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:               getEnv("HTTP_PORT", "8000"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
		LogFile:                getEnv("LOG_FILE", ""),
		HysteresisSamples:      getEnvInt("HYSTERESIS_CLEAR_SAMPLES", 2),
		HysteresisCooldown:     time.Duration(getEnvInt("HYSTERESIS_COOLDOWN_SECONDS", 60)) * time.Second,
		VehicleTTL:             time.Duration(getEnvInt("VEHICLE_TTL_SECONDS", 0)) * time.Second,
		ObserverQueueSize:      getEnvInt("OBSERVER_QUEUE_SIZE", 256),
		SnapshotInterval:       time.Duration(getEnvInt("SNAPSHOT_INTERVAL_SECONDS", 0)) * time.Second,
		DecisionTimeout:        time.Duration(getEnvInt("DECISION_TIMEOUT_MS", 3000)) * time.Millisecond,
		DecisionAuditSize:      getEnvInt("DECISION_AUDIT_SIZE", 100),
		RemoteDecisionEnabled:  getEnvBool("DECISION_REMOTE_ENABLED", false),
		RemoteDecisionURL:      getEnv("DECISION_REMOTE_URL", ""),
		RemoteDecisionAPIKey:   getEnv("DECISION_REMOTE_API_KEY", ""),
		RemoteDecisionTokenURL: getEnv("DECISION_REMOTE_TOKEN_URL", ""),
		DecisionAgentID:        getEnv("DECISION_AGENT_ID", "guardian_v1"),
		PersistEnabled:         getEnvBool("PERSIST_ENABLED", false),
		DBHost:                 getEnv("DB_HOST", "localhost"),
		DBPort:                 getEnv("DB_PORT", "5432"),
		DBUser:                 getEnv("DB_USER", "fleet_user"),
		DBPassword:             getEnv("DB_PASSWORD", "fleet_password"),
		DBName:                 getEnv("DB_NAME", "fleet_monitor"),
		DBMaxConns:             int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisEnabled:           getEnvBool("REDIS_ENABLED", false),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		DBChannelSize:          getEnvInt("DB_CHANNEL_SIZE", 10000),
		StateChannelSize:       getEnvInt("STATE_CHANNEL_SIZE", 50000),
		DecisionChannelSize:    getEnvInt("DECISION_CHANNEL_SIZE", 1000),
		DBBatchSize:            getEnvInt("DB_BATCH_SIZE", 500),
		DBFlushIntervalMS:      getEnvInt("DB_FLUSH_INTERVAL_MS", 100),
		AuthRequired:           getEnvBool("AUTH_REQUIRED", false),
		AuthCacheTTLSeconds:    getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:           splitList(getEnv("VALID_API_KEYS", "")),
		IngestRatePerSec:       getEnvFloat("INGEST_RATE_PER_SEC", 0),
		IngestBurst:            getEnvInt("INGEST_BURST", 20),
	}

	th, err := LoadThresholds(getEnv("THRESHOLDS_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Thresholds = th

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadThresholds starts from the defaults, overlays the optional YAML file
// and finally the per-threshold environment overrides.
func LoadThresholds(path string) (domain.Thresholds, error) {
	th := domain.DefaultThresholds()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return th, fmt.Errorf("failed to read thresholds file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &th); err != nil {
			return th, fmt.Errorf("failed to parse thresholds file %s: %w", path, err)
		}
	}

	th.FatigueEyeClosurePct = getEnvFloat("FATIGUE_EYE_CLOSURE_PCT", th.FatigueEyeClosurePct)
	th.FatigueBlinkMs = getEnvFloat("FATIGUE_BLINK_MS", th.FatigueBlinkMs)
	th.FatigueYawnPerMin = getEnvFloat("FATIGUE_YAWN_PER_MIN", th.FatigueYawnPerMin)
	th.OverspeedFactor = getEnvFloat("OVERSPEED_FACTOR", th.OverspeedFactor)
	th.FireConfidencePct = getEnvFloat("FIRE_CONFIDENCE_PCT", th.FireConfidencePct)
	th.FireCabinTempC = getEnvFloat("FIRE_CABIN_TEMP_C", th.FireCabinTempC)
	th.FireBatteryTempC = getEnvFloat("FIRE_BATTERY_TEMP_C", th.FireBatteryTempC)
	th.FloodWaterLevelCm = getEnvFloat("FLOOD_WATER_LEVEL_CM", th.FloodWaterLevelCm)
	th.CollisionGForce = getEnvFloat("COLLISION_G_FORCE", th.CollisionGForce)
	return th, nil
}

func (c *Config) Validate() error {
	if c.HysteresisSamples < 1 {
		return fmt.Errorf("HYSTERESIS_CLEAR_SAMPLES must be >= 1, got %d", c.HysteresisSamples)
	}
	if c.HysteresisCooldown < 0 {
		return fmt.Errorf("HYSTERESIS_COOLDOWN_SECONDS must be >= 0")
	}
	if c.ObserverQueueSize < 1 {
		return fmt.Errorf("OBSERVER_QUEUE_SIZE must be >= 1, got %d", c.ObserverQueueSize)
	}
	if c.DecisionTimeout <= 0 {
		return fmt.Errorf("DECISION_TIMEOUT_MS must be > 0")
	}
	if c.RemoteDecisionEnabled && c.RemoteDecisionURL == "" {
		return fmt.Errorf("DECISION_REMOTE_URL is required when DECISION_REMOTE_ENABLED is set")
	}
	if c.Thresholds.OverspeedFactor <= 0 {
		return fmt.Errorf("overspeed factor must be > 0, got %g", c.Thresholds.OverspeedFactor)
	}
	if c.DBBatchSize < 1 || c.DBFlushIntervalMS < 1 {
		return fmt.Errorf("DB_BATCH_SIZE and DB_FLUSH_INTERVAL_MS must be >= 1")
	}
	return nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBMaxConns,
	)
}

// MigrationURL is the schema migration target; it carries no pool settings.
func (c *Config) MigrationURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%s/%s",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
