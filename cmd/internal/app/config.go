package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"plaza/cmd/internal/realtime"
)

// Config contains all runtime configuration.
//
// Precedence: environment variables, then the optional YAML file named by
// PLAZA_CONFIG_FILE, then built-in defaults. The file only carries relay
// tunables; deployment settings (addresses, secrets) are env-only.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	// ReadTimeout and WriteTimeout default to zero: upgraded websocket
	// connections outlive any fixed server deadline.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	DBMigrate   bool

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Identity source. The first configured one wins: URL, PASETO key, dev tokens.
	IdentityURL             string
	IdentityPasetoPublicKey string
	IdentityPasetoIssuer    string
	IdentityClockSkew       time.Duration
	IdentityDevTokens       string
	AdminEmail              string

	AuditQueueSize    int
	AuditWriteTimeout time.Duration

	ConfigFile string
	Relay      realtime.Config
}

type fileConfig struct {
	Relay realtime.Config `yaml:"relay"`
}

// LoadConfig loads Config from the environment and the optional YAML file.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr:  EnvString("PLAZA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PLAZA_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("PLAZA_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("PLAZA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PLAZA_HTTP_READ_TIMEOUT", 0),
		WriteTimeout:      EnvDuration("PLAZA_HTTP_WRITE_TIMEOUT", 0),
		IdleTimeout:       EnvDuration("PLAZA_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("PLAZA_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("PLAZA_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PLAZA_DATABASE_URL", ""),
		DBSchema:    EnvString("PLAZA_DB_SCHEMA", "plaza"),
		DBMaxConns:  EnvInt32("PLAZA_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PLAZA_DB_MIN_CONNS", 0),
		DBMigrate:   EnvBool("PLAZA_DB_MIGRATE", true),

		ReadinessRequireDB: EnvBool("PLAZA_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvList("PLAZA_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("PLAZA_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PLAZA_CORS_MAX_AGE_SECONDS", 600),

		IdentityURL:             EnvString("PLAZA_IDENTITY_URL", ""),
		IdentityPasetoPublicKey: EnvString("PLAZA_IDENTITY_PASETO_PUBLIC_KEY", ""),
		IdentityPasetoIssuer:    EnvString("PLAZA_IDENTITY_PASETO_ISSUER", ""),
		IdentityClockSkew:       EnvDuration("PLAZA_IDENTITY_CLOCK_SKEW", 30*time.Second),
		IdentityDevTokens:       EnvString("PLAZA_IDENTITY_DEV_TOKENS", ""),
		AdminEmail:              EnvString("PLAZA_ADMIN_EMAIL", ""),

		AuditQueueSize:    EnvInt("PLAZA_AUDIT_QUEUE_SIZE", 4096),
		AuditWriteTimeout: EnvDuration("PLAZA_AUDIT_WRITE_TIMEOUT", 3*time.Second),

		ConfigFile: EnvString("PLAZA_CONFIG_FILE", ""),
		Relay:      realtime.DefaultConfig(),
	}

	if cfg.ConfigFile != "" {
		f, err := os.Open(cfg.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		err = decodeRelayFile(f, &cfg.Relay)
		_ = f.Close()
		if err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", cfg.ConfigFile, err)
		}
	}
	applyRelayEnv(&cfg.Relay)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeRelayFile overlays the "relay" section of a YAML document onto rc.
// Keys absent from the file keep their current value; unknown keys fail.
func decodeRelayFile(r io.Reader, rc *realtime.Config) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	fc := fileConfig{Relay: *rc}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return err
	}
	*rc = fc.Relay
	return nil
}

// applyRelayEnv lets the most commonly tuned relay settings be overridden
// without a config file.
func applyRelayEnv(rc *realtime.Config) {
	rc.AllowedOrigins = EnvList("PLAZA_ALLOWED_ORIGINS", rc.AllowedOrigins)
	rc.OriginRequired = EnvBool("PLAZA_ORIGIN_REQUIRED", rc.OriginRequired)
	rc.DevInsecure = EnvBool("PLAZA_DEV_INSECURE", rc.DevInsecure)
	rc.TrustProxy = EnvBool("PLAZA_TRUST_PROXY", rc.TrustProxy)

	rc.AFKAfter = EnvDuration("PLAZA_AFK_AFTER", rc.AFKAfter)
	rc.InactiveAfter = EnvDuration("PLAZA_INACTIVE_AFTER", rc.InactiveAfter)
	rc.BanSweepEvery = EnvDuration("PLAZA_BAN_SWEEP_EVERY", rc.BanSweepEvery)
	rc.IdentityTimeout = EnvDuration("PLAZA_IDENTITY_TIMEOUT", rc.IdentityTimeout)
	rc.StoreTimeout = EnvDuration("PLAZA_STORE_TIMEOUT", rc.StoreTimeout)
	rc.SendQueueSize = EnvInt("PLAZA_SEND_QUEUE_SIZE", rc.SendQueueSize)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var err error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		err = multierr.Append(err, errors.New("PLAZA_HTTP_ADDR is empty"))
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		err = multierr.Append(err, fmt.Errorf("PLAZA_LOG_FORMAT must be json or pretty, got %q", c.LogFormat))
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		err = multierr.Append(err, errors.New("PLAZA_DB_MIN_CONNS exceeds PLAZA_DB_MAX_CONNS"))
	}
	if c.IdentityURL == "" && c.IdentityPasetoPublicKey == "" && c.IdentityDevTokens == "" {
		err = multierr.Append(err, errors.New("no identity source: set PLAZA_IDENTITY_URL, PLAZA_IDENTITY_PASETO_PUBLIC_KEY or PLAZA_IDENTITY_DEV_TOKENS"))
	}
	return err
}
