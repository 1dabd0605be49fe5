package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Policy engine backends.
const (
	PolicyEngineHTTP = "http"
	PolicyEngineRego = "rego"
)

// Config captures runtime configuration. Values come from defaults, an
// optional edgemesh.yaml, and EDGEMESH_* environment variables, in that
// order of precedence (lowest first).
type Config struct {
	Environment  string `mapstructure:"env"`
	HTTPPort     string `mapstructure:"http_port"`
	DatabasePath string `mapstructure:"db_path"`
	LogDir       string `mapstructure:"log_dir"`
	LogLevel     string `mapstructure:"log_level"`
	Debug        bool   `mapstructure:"debug"`

	Policy     PolicyConfig     `mapstructure:"policy"`
	Health     HealthConfig     `mapstructure:"health"`
	CA         CAConfig         `mapstructure:"ca"`
	Security   SecurityConfig   `mapstructure:"security"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Scheduling SchedulingConfig `mapstructure:"scheduling"`
}

// PolicyConfig selects and tunes the external policy engine.
type PolicyConfig struct {
	Engine   string        `mapstructure:"engine"`
	OPAURL   string        `mapstructure:"opa_url"`
	Path     string        `mapstructure:"path"`
	RegoFile string        `mapstructure:"rego_file"`
	Query    string        `mapstructure:"query"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HealthConfig bounds how fresh and how good a device report must be.
type HealthConfig struct {
	MaxAge    time.Duration `mapstructure:"max_age"`
	MaxCPU    float64       `mapstructure:"max_cpu"`
	MaxMemory float64       `mapstructure:"max_memory"`
}

// CAConfig controls the private certificate authority.
type CAConfig struct {
	CertPath     string        `mapstructure:"cert_path"`
	KeyPath      string        `mapstructure:"key_path"`
	CertValidity time.Duration `mapstructure:"cert_validity"`
	CAValidity   time.Duration `mapstructure:"ca_validity"`
	KeyBits      int           `mapstructure:"key_bits"`
	Organization string        `mapstructure:"organization"`
}

// SecurityConfig holds shared secrets for the device and admin surfaces.
type SecurityConfig struct {
	EnrollmentToken   string `mapstructure:"enrollment_token"`
	JWTSecret         string `mapstructure:"jwt_secret"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

// NotifyConfig lists shoutrrr service URLs that receive device alerts.
type NotifyConfig struct {
	URLs []string `mapstructure:"urls"`
}

// SchedulingConfig holds cron specs for background housekeeping.
type SchedulingConfig struct {
	StatsRefresh string `mapstructure:"stats_refresh"`
}

// ErrInvalidConfig is returned when loaded values cannot produce a working server.
var ErrInvalidConfig = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http_port", "8000")
	v.SetDefault("db_path", filepath.Join("data", "edgemesh.db"))
	v.SetDefault("log_dir", filepath.Join("data", "logs"))
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)

	v.SetDefault("policy.engine", PolicyEngineHTTP)
	v.SetDefault("policy.opa_url", "http://opa:8181")
	v.SetDefault("policy.path", "edgemesh/authz/allow")
	v.SetDefault("policy.rego_file", filepath.Join("policies", "authz.rego"))
	v.SetDefault("policy.query", "data.edgemesh.authz.allow")
	v.SetDefault("policy.timeout", 5*time.Second)

	v.SetDefault("health.max_age", 5*time.Minute)
	v.SetDefault("health.max_cpu", 90.0)
	v.SetDefault("health.max_memory", 90.0)

	v.SetDefault("ca.cert_path", "")
	v.SetDefault("ca.key_path", "")
	v.SetDefault("ca.cert_validity", 90*24*time.Hour)
	v.SetDefault("ca.ca_validity", 3650*24*time.Hour)
	v.SetDefault("ca.key_bits", 2048)
	v.SetDefault("ca.organization", "EdgeMesh")

	v.SetDefault("security.enrollment_token", "change-me-in-production")
	v.SetDefault("security.jwt_secret", "change-me-in-production")
	v.SetDefault("security.require_client_cert", false)

	v.SetDefault("notify.urls", []string{})
	v.SetDefault("scheduling.stats_refresh", "@every 1m")
}

// Load reads configuration and falls back to defaults so the server can boot
// with zero configuration.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("edgemesh")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/edgemesh")
	if path := os.Getenv("EDGEMESH_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("EDGEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// Validate rejects values that would silently weaken the authorization path.
func (c Config) Validate() error {
	switch c.Policy.Engine {
	case PolicyEngineHTTP:
		if c.Policy.OPAURL == "" {
			return fmt.Errorf("%w: policy.opa_url is required for the http engine", ErrInvalidConfig)
		}
	case PolicyEngineRego:
		if c.Policy.RegoFile == "" {
			return fmt.Errorf("%w: policy.rego_file is required for the rego engine", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown policy.engine %q", ErrInvalidConfig, c.Policy.Engine)
	}
	if c.Policy.Timeout <= 0 {
		return fmt.Errorf("%w: policy.timeout must be positive", ErrInvalidConfig)
	}
	if c.Health.MaxAge <= 0 {
		return fmt.Errorf("%w: health.max_age must be positive", ErrInvalidConfig)
	}
	if c.CA.CertValidity <= 0 || c.CA.CAValidity <= 0 {
		return fmt.Errorf("%w: certificate validity must be positive", ErrInvalidConfig)
	}
	if c.CA.KeyBits < 2048 {
		return fmt.Errorf("%w: ca.key_bits must be at least 2048", ErrInvalidConfig)
	}
	if (c.CA.CertPath == "") != (c.CA.KeyPath == "") {
		return fmt.Errorf("%w: ca.cert_path and ca.key_path must be set together", ErrInvalidConfig)
	}
	return nil
}
