// Package config loads the orchestrator's process configuration: the flat
// environment-variable surface, plus layered YAML bundles (capability
// policy, QScore calibration tables) merged base -> env -> tenant with
// later tiers winning key-for-key.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Env is the orchestrator's recognized environment configuration. Zero
// values mean "use the documented default", applied by Defaults.
type Env struct {
	RedisURL                  string
	RedisConsumerGroupPrefix  string

	PGURL            string
	PGMaxConnections int
	PGConnTimeout    time.Duration
	PGQueryTimeout   time.Duration

	BlobStoreURL       string
	BlobMaxInlineBytes int64

	JWTAlgorithm          string
	JWTSecretOrPublicKey  string
	JWTIssuer             string
	JWTAudience           string

	ReplayFreshnessSeconds       int
	ClockSkewToleranceSeconds    int

	LeaseDurationSeconds     int
	HeartbeatIntervalSeconds int
	ReaperIntervalSeconds    int
	AgentRetentionDays       int

	QScoreAcceptThreshold float64
	MaxRetries            int

	LogLevel string

	// Tenant/Project/AgentID scope this process: one CMO instance serves one
	// (tenant, project) pair and registers itself under AgentID (default
	// "cmo").
	Tenant  string
	Project string
	AgentID string

	// EnvName selects the env/<name>/ tier of the layered config bundles
	// (pkg/config.LoadBundle); ConfigRoot is the bundle root directory.
	EnvName    string
	ConfigRoot string

	// EnvelopeSigningKey, when set, both signs outbound envelopes and
	// verifies inbound ones (pkg/security). Left empty, signing/verification
	// is skipped.
	EnvelopeSigningKey string
}

// Defaults returns the documented default values before environment
// overrides are applied.
func Defaults() Env {
	return Env{
		RedisConsumerGroupPrefix: "cmo",
		PGMaxConnections:         10,
		PGConnTimeout:            5 * time.Second,
		PGQueryTimeout:           10 * time.Second,
		BlobMaxInlineBytes:       1_048_576,
		JWTAlgorithm:             "HS256",
		ReplayFreshnessSeconds:   300,
		ClockSkewToleranceSeconds: 30,
		LeaseDurationSeconds:      60,
		HeartbeatIntervalSeconds:  20,
		ReaperIntervalSeconds:     10,
		AgentRetentionDays:        7,
		QScoreAcceptThreshold:     0.75,
		MaxRetries:                2,
		LogLevel:                  "info",
		AgentID:                   "cmo",
		EnvName:                   "production",
		ConfigRoot:                "config",
	}
}

// FromEnviron loads Env from the process environment, starting from
// Defaults and overriding any field whose variable is set. Malformed
// numeric/duration values are reported, not silently ignored.
func FromEnviron() (Env, error) {
	e := Defaults()

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	var errs []string
	intv := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}
	int64v := func(key string, dst *int64) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}
	floatv := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = f
	}
	secondsv := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = time.Duration(n) * time.Second
	}

	str("REDIS_URL", &e.RedisURL)
	str("REDIS_CONSUMER_GROUP_PREFIX", &e.RedisConsumerGroupPrefix)
	str("PG_URL", &e.PGURL)
	intv("PG_MAX_CONNECTIONS", &e.PGMaxConnections)
	secondsv("PG_CONN_TIMEOUT", &e.PGConnTimeout)
	secondsv("PG_QUERY_TIMEOUT", &e.PGQueryTimeout)
	str("BLOB_STORE_URL", &e.BlobStoreURL)
	int64v("BLOB_MAX_INLINE_BYTES", &e.BlobMaxInlineBytes)
	str("JWT_ALGORITHM", &e.JWTAlgorithm)
	str("JWT_SECRET_OR_PUBLIC_KEY", &e.JWTSecretOrPublicKey)
	str("JWT_ISSUER", &e.JWTIssuer)
	str("JWT_AUDIENCE", &e.JWTAudience)
	intv("REPLAY_FRESHNESS_SECONDS", &e.ReplayFreshnessSeconds)
	intv("CLOCK_SKEW_TOLERANCE_SECONDS", &e.ClockSkewToleranceSeconds)
	intv("LEASE_DURATION_SECONDS", &e.LeaseDurationSeconds)
	intv("HEARTBEAT_INTERVAL_SECONDS", &e.HeartbeatIntervalSeconds)
	intv("REAPER_INTERVAL_SECONDS", &e.ReaperIntervalSeconds)
	intv("AGENT_RETENTION_DAYS", &e.AgentRetentionDays)
	floatv("QSCORE_ACCEPT_THRESHOLD", &e.QScoreAcceptThreshold)
	intv("MAX_RETRIES", &e.MaxRetries)
	str("LOG_LEVEL", &e.LogLevel)
	str("CMO_TENANT", &e.Tenant)
	str("CMO_PROJECT", &e.Project)
	str("CMO_AGENT_ID", &e.AgentID)
	str("CMO_ENV", &e.EnvName)
	str("CMO_CONFIG_ROOT", &e.ConfigRoot)
	str("ENVELOPE_SIGNING_KEY", &e.EnvelopeSigningKey)

	if len(errs) > 0 {
		sort.Strings(errs)
		return Env{}, fmt.Errorf("config: invalid environment values: %s", strings.Join(errs, "; "))
	}
	return e, nil
}

// ReplayFreshness and ClockSkewTolerance render the second-granularity
// fields as time.Duration for callers in pkg/security.
func (e Env) ReplayFreshness() time.Duration {
	return time.Duration(e.ReplayFreshnessSeconds) * time.Second
}

func (e Env) ClockSkewTolerance() time.Duration {
	return time.Duration(e.ClockSkewToleranceSeconds) * time.Second
}

func (e Env) LeaseDuration() time.Duration {
	return time.Duration(e.LeaseDurationSeconds) * time.Second
}

func (e Env) HeartbeatInterval() time.Duration {
	return time.Duration(e.HeartbeatIntervalSeconds) * time.Second
}

func (e Env) ReaperInterval() time.Duration {
	return time.Duration(e.ReaperIntervalSeconds) * time.Second
}
