package config

import (
	"fmt"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"

	"github.com/caarlos0/env/v11"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"` // memory | postgres
	DatabaseURL  string `env:"DB_DSN"`                            // required when STORE_BACKEND=postgres

	AutoProvision bool   `env:"AUTO_PROVISION" envDefault:"true"`
	LandingURL    string `env:"LANDING_URL"`
	Timezone      string `env:"QUEUE_TIMEZONE" envDefault:"Local"`

	DefaultClinicName   string `env:"DEFAULT_CLINIC_NAME" envDefault:"Klinik"`
	DefaultTicketTitle  string `env:"DEFAULT_TICKET_TITLE" envDefault:"Nomor Antrian"`
	DefaultTicketFooter string `env:"DEFAULT_TICKET_FOOTER" envDefault:"Mohon menunggu panggilan"`
	DefaultShowLogo     bool   `env:"DEFAULT_SHOW_LOGO" envDefault:"true"`

	AdminUsername     string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	RateLimitPerMinute       int `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	RateLimitBurst           int `env:"RATE_LIMIT_BURST" envDefault:"30"`
	TenantRateLimitPerMinute int `env:"TENANT_RATE_LIMIT_PER_MIN" envDefault:"600"`
	TenantRateLimitBurst     int `env:"TENANT_RATE_LIMIT_BURST" envDefault:"120"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"qms"`

	SubscriberBuffer int `env:"SUBSCRIBER_BUFFER" envDefault:"16"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required when STORE_BACKEND=%s", BackendPostgres)
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q (use memory or postgres)", c.StoreBackend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves QUEUE_TIMEZONE, the zone in which tenant days start.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c Config) DefaultSettings() models.DisplaySettings {
	return models.DisplaySettings{
		Name:         c.DefaultClinicName,
		TicketTitle:  c.DefaultTicketTitle,
		TicketFooter: c.DefaultTicketFooter,
		ShowLogo:     c.DefaultShowLogo,
	}
}
