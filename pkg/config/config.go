// pkg/config/config.go
package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EntraCredentials are this service's own OAuth client credentials at the
// identity provider. The customer server never sees these.
type EntraCredentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// AuthorityBase is the tenant-parameterized login host, e.g.
	// https://login.example-idp.com — consent and token URLs are built as
	// {AuthorityBase}/{tenant}/...
	AuthorityBase string `yaml:"authority_base"`
	// Scope requested on client-credentials and refresh grants.
	Scope string `yaml:"scope"`
}

// EMMCredentials are the service-account credentials used against the
// enterprise-mobility management API.
type EMMCredentials struct {
	ClientEmail   string `yaml:"client_email"`
	PrivateKeyPEM string `yaml:"private_key_pem"`
	TokenURL      string `yaml:"token_url"`
	Scope         string `yaml:"scope"`
}

type Config struct {
	Env            string
	ComplianceAddr string // compliance-service
	EMMAddr        string // emm-service

	// External provider endpoints.
	ComplianceAPIBase string // data-sync / message-status API
	EMMAPIBase        string // enterprise-mobility management API
	ConsentRedirect   string // public callback URL registered at the provider

	// Inert endpoints the provider is pointed at on deprovision.
	InertEnrollURL    string
	InertRemediateURL string

	Entra EntraCredentials
	EMM   EMMCredentials

	// Outbound call budgets.
	UpstreamTimeout time.Duration
	NotifyTimeout   time.Duration
	TokenSafetyGap  time.Duration
	ManagedCacheTTL time.Duration

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
	DBMaxConns  int

	EncryptionKey string // optional: seals cached provider tokens at rest
}

func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Config{
		Env:               env("MDMPROXY_ENV", "dev"),
		ComplianceAddr:    env("MDMPROXY_COMPLIANCE_ADDR", ":8080"),
		EMMAddr:           env("MDMPROXY_EMM_ADDR", ":8081"),
		ComplianceAPIBase: env("COMPLIANCE_API_BASE", ""),
		EMMAPIBase:        env("EMM_API_BASE", ""),
		ConsentRedirect:   env("CONSENT_REDIRECT_URL", ""),
		InertEnrollURL:    env("INERT_ENROLL_URL", "https://example.com/enroll-disabled"),
		InertRemediateURL: env("INERT_REMEDIATE_URL", "https://example.com/remediate-disabled"),
		UpstreamTimeout:   envDur("UPSTREAM_TIMEOUT_SEC", 15) * time.Second,
		NotifyTimeout:     envDur("NOTIFY_TIMEOUT_SEC", 5) * time.Second,
		TokenSafetyGap:    envDur("TOKEN_SAFETY_GAP_SEC", 300) * time.Second,
		ManagedCacheTTL:   envDur("MANAGED_CACHE_TTL_SEC", 60) * time.Second,
		RedisURL:          env("REDIS_URL", ""),
		DatabaseURL:       env("DATABASE_URL", ""),
		DBMaxConns:        envInt("DB_MAX_CONNS", 8),
		EncryptionKey:     env("ENCRYPTION_KEY", ""),
		Entra: EntraCredentials{
			ClientID:      env("ENTRA_CLIENT_ID", ""),
			ClientSecret:  env("ENTRA_CLIENT_SECRET", ""),
			AuthorityBase: env("ENTRA_AUTHORITY_BASE", ""),
			Scope:         env("ENTRA_SCOPE", ""),
		},
		EMM: EMMCredentials{
			ClientEmail:   env("EMM_CLIENT_EMAIL", ""),
			PrivateKeyPEM: env("EMM_PRIVATE_KEY_PEM", ""),
			TokenURL:      env("EMM_TOKEN_URL", ""),
			Scope:         env("EMM_SCOPE", ""),
		},
	}
	// A YAML credentials file overrides env credentials wholesale; deployments
	// mount provider secrets this way instead of stuffing PEM into env vars.
	if path := os.Getenv("MDMPROXY_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory registry for dev")
	}
	return cfg, nil
}

type fileConfig struct {
	Entra *EntraCredentials `yaml:"entra"`
	EMM   *EMMCredentials   `yaml:"emm"`
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return err
	}
	if fc.Entra != nil {
		cfg.Entra = *fc.Entra
	}
	if fc.EMM != nil {
		cfg.EMM = *fc.EMM
	}
	return nil
}

// ValidateCompliance fails fast when the compliance variant cannot operate.
// Partial credentials must never silently proceed.
func (c Config) ValidateCompliance() error {
	if c.Entra.ClientID == "" || c.Entra.ClientSecret == "" || c.Entra.AuthorityBase == "" {
		return errors.New("config: entra client credentials incomplete")
	}
	if c.ComplianceAPIBase == "" {
		return errors.New("config: COMPLIANCE_API_BASE not set")
	}
	if c.ConsentRedirect == "" {
		return errors.New("config: CONSENT_REDIRECT_URL not set")
	}
	return nil
}

// ValidateEMM fails fast when the enterprise-mobility variant cannot operate.
func (c Config) ValidateEMM() error {
	if c.EMM.ClientEmail == "" || c.EMM.PrivateKeyPEM == "" || c.EMM.TokenURL == "" {
		return errors.New("config: emm service-account credentials incomplete")
	}
	if c.EMMAPIBase == "" {
		return errors.New("config: EMM_API_BASE not set")
	}
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i)
		}
	}
	return time.Duration(def)
}
