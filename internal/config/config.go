package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment names
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Integration names, also used as the credentials table key
const (
	IntegrationStrava   = "strava"
	IntegrationWakaTime = "wakatime"
)

// Origins always allowed by CORS in production
var ProductionOrigins = []string{
	"https://vuhnger.dev",
	"https://www.vuhnger.dev",
}

// Extra origins allowed outside production
var DevelopmentOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

var (
	// ErrEncryptionKeyMissing is returned when no token encryption secret is configured.
	ErrEncryptionKeyMissing = errors.New("ENCRYPTION_KEY is not configured")

	// ErrStateSecretMissing is returned when no OAuth state signing secret is configured.
	ErrStateSecretMissing = errors.New("STATE_SECRET is not configured")

	// ErrAPIKeyRequired is returned in production when API_KEY is empty.
	ErrAPIKeyRequired = errors.New("API_KEY must be set in production")
)

// Config holds all application configuration
type Config struct {
	Environment string          `koanf:"environment" validate:"oneof=development production test"`
	Server      ServerConfig    `koanf:"server"`
	Database    DatabaseConfig  `koanf:"database"`
	Strava      ProviderConfig  `koanf:"strava"`
	WakaTime    ProviderConfig  `koanf:"wakatime"`
	Security    SecurityConfig  `koanf:"security"`
	Scheduler   SchedulerConfig `koanf:"scheduler"`
	Logging     LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP listeners
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	FrontendURL     string        `koanf:"frontend_url" validate:"required,url"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitPerMin int           `koanf:"rate_limit_per_minute" validate:"gte=0"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// ProviderConfig holds OAuth client settings for one integration.
// An integration with neither client id nor secret is disabled.
type ProviderConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURI  string `koanf:"redirect_uri" validate:"omitempty,url"`
}

// Enabled reports whether the integration has OAuth client credentials.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// SecurityConfig holds the operator-supplied secrets
type SecurityConfig struct {
	EncryptionKey string `koanf:"encryption_key"`
	StateSecret   string `koanf:"state_secret"`
	APIKey        string `koanf:"api_key"`
}

// SchedulerConfig configures periodic refresh runs
type SchedulerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
	// Delay before the first scheduled run after startup.
	InitialDelay time.Duration `koanf:"initial_delay"`
}

// LoggingConfig mirrors logging.Config
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Provider returns the OAuth settings for the named integration.
func (c *Config) Provider(integration string) (ProviderConfig, error) {
	switch integration {
	case IntegrationStrava:
		return c.Strava, nil
	case IntegrationWakaTime:
		return c.WakaTime, nil
	default:
		return ProviderConfig{}, fmt.Errorf("unknown integration: %s", integration)
	}
}

// EnabledIntegrations returns the integrations that have client credentials.
func (c *Config) EnabledIntegrations() []string {
	var out []string
	if c.Strava.Enabled() {
		out = append(out, IntegrationStrava)
	}
	if c.WakaTime.Enabled() {
		out = append(out, IntegrationWakaTime)
	}
	return out
}

// AllowedOrigins returns the CORS origins for the current environment.
// The frontend URL is always included.
func (c *Config) AllowedOrigins() []string {
	seen := make(map[string]bool)
	var origins []string
	add := func(o string) {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" || seen[o] {
			return
		}
		seen[o] = true
		origins = append(origins, o)
	}

	for _, o := range c.Server.CORSOrigins {
		add(o)
	}
	if !c.IsProduction() {
		for _, o := range DevelopmentOrigins {
			add(o)
		}
	}
	add(c.Server.FrontendURL)
	return origins
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags and the cross-field rules that tags cannot express.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var problems []string
	for name, p := range map[string]ProviderConfig{IntegrationStrava: c.Strava, IntegrationWakaTime: c.WakaTime} {
		if (p.ClientID == "") != (p.ClientSecret == "") {
			problems = append(problems, fmt.Sprintf("%s client id and secret must be set together", name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	if c.Security.EncryptionKey == "" {
		return ErrEncryptionKeyMissing
	}
	if c.Security.StateSecret == "" {
		return ErrStateSecretMissing
	}
	if c.IsProduction() && c.Security.APIKey == "" {
		return ErrAPIKeyRequired
	}

	return nil
}
