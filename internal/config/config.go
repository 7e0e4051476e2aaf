package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode      Mode   `mapstructure:"mode"`
	HTTPAddr  string `mapstructure:"http_addr"`
	PublicURL string `mapstructure:"public_url"`

	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`

	EnableLocalAuth bool          `mapstructure:"enable_local_auth"`
	AuthHMACSecret  string        `mapstructure:"auth_hmac_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`

	AdminUser     string `mapstructure:"admin_user"`
	AdminPassHash string `mapstructure:"admin_pass_hash"` // bcrypt

	CORSOriginsOnline  []string `mapstructure:"cors_origins_online"`
	CORSOriginsOffline []string `mapstructure:"cors_origins_offline"`

	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	AGS       AGSConfig       `mapstructure:"ags"`
	LTI       LTIConfig       `mapstructure:"lti"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty disables the rotated file sink
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// RateLimitConfig throttles the student handler per user.
type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute"` // 0 disables
	Burst     int `mapstructure:"burst"`
}

// AGSConfig holds the tool's client credentials at the LMS token endpoint.
// Grades are not published when TokenURL is empty.
type AGSConfig struct {
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func (a AGSConfig) Enabled() bool { return a.TokenURL != "" }

// LTIConfig registers the tool with one LMS. Launches are disabled when Issuer is empty.
type LTIConfig struct {
	Issuer       string `mapstructure:"issuer"`
	ClientID     string `mapstructure:"client_id"`
	DeploymentID string `mapstructure:"deployment_id"` // empty accepts any deployment
	AuthURL      string `mapstructure:"auth_url"`
	JWKSURL      string `mapstructure:"jwks_url"`
	RedirectURI  string `mapstructure:"redirect_uri"`
}

func (l LTIConfig) Enabled() bool { return l.Issuer != "" }

const envPrefix = "WW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeOffline))
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_dsn", "")
	v.SetDefault("enable_local_auth", true)
	v.SetDefault("auth_hmac_secret", "supersecret-dev-key")
	v.SetDefault("token_ttl", 8*time.Hour)
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass_hash", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji")
	v.SetDefault("cors_origins_online", "https://lms.mindengage.ai")
	v.SetDefault("cors_origins_offline", "http://localhost:3000,http://localhost:3010,http://localhost:3020")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("rate_limit.per_minute", 60)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("ags.token_url", "")
	v.SetDefault("ags.client_id", "")
	v.SetDefault("ags.client_secret", "")
	v.SetDefault("ags.scopes", "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem,https://purl.imsglobal.org/spec/lti-ags/scope/score")
	v.SetDefault("ags.timeout", 10*time.Second)

	v.SetDefault("lti.issuer", "")
	v.SetDefault("lti.client_id", "")
	v.SetDefault("lti.deployment_id", "")
	v.SetDefault("lti.auth_url", "")
	v.SetDefault("lti.jwks_url", "")
	v.SetDefault("lti.redirect_uri", "")
}

// Load reads defaults, then the optional file at path, then WW_* environment variables.
// Nested keys map to env names with "_" for ".", e.g. WW_LOG_LEVEL.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORSOriginsOnline = csv(cfg.CORSOriginsOnline)
	cfg.CORSOriginsOffline = csv(cfg.CORSOriginsOffline)
	cfg.AGS.Scopes = csv(cfg.AGS.Scopes)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeOffline, ModeOnline:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}
	if c.Mode == ModeOnline && len(c.AuthHMACSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth hmac secret is too short (%d chars), online mode needs at least 32", len(c.AuthHMACSecret)))
	}
	if c.AGS.Enabled() && c.AGS.ClientID == "" {
		errs = append(errs, errors.New("ags.client_id required with ags.token_url"))
	}
	if c.LTI.Enabled() && (c.LTI.ClientID == "" || c.LTI.AuthURL == "" || c.LTI.JWKSURL == "" || c.LTI.RedirectURI == "") {
		errs = append(errs, errors.New("lti.client_id, lti.auth_url, lti.jwks_url and lti.redirect_uri required with lti.issuer"))
	}
	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// CORSOrigins returns the allowed origins of the current mode.
func (c Config) CORSOrigins() []string {
	if c.Mode == ModeOnline {
		return c.CORSOriginsOnline
	}
	return c.CORSOriginsOffline
}

// csv flattens comma separated entries, which is how lists arrive from the environment.
func csv(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
