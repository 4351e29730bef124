package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pardot/ssoidc/core"
)

const envPrefix = "SSOIDC_"

// duration reads "5m" style values from YAML and the environment.
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type storageConfig struct {
	// memory, disk, postgres, sqlite, mysql or redis
	Type string `json:"type" env:"TYPE"`
	// database file for disk and sqlite
	Path string `json:"path" env:"PATH"`
	// connection string for postgres and mysql
	DSN string `json:"dsn" env:"DSN"`

	RedisAddr     string `json:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `json:"redisPassword" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDB" env:"REDIS_DB"`
	// prepended to every redis key
	Prefix string `json:"prefix" env:"PREFIX"`
}

type config struct {
	Addr   string `json:"addr" env:"ADDR"`
	Issuer string `json:"issuer" env:"ISSUER"`

	Storage storageConfig `json:"storage" envPrefix:"STORAGE_"`

	// PEM private key, or a JWKS of private keys where SigningKeyID picks the
	// one that signs. With neither, keys are rotated through storage when
	// RotateKeysAfter is set, otherwise an ephemeral key is generated.
	SigningKeyFile    string   `json:"signingKeyFile" env:"SIGNING_KEY_FILE"`
	SigningKeySetFile string   `json:"signingKeySetFile" env:"SIGNING_KEY_SET_FILE"`
	SigningKeyID      string   `json:"signingKeyID" env:"SIGNING_KEY_ID"`
	RotateKeysAfter   duration `json:"rotateKeysAfter" env:"ROTATE_KEYS_AFTER"`

	AdminToken     string   `json:"adminToken" env:"ADMIN_TOKEN"`
	AllowedOrigins []string `json:"allowedOrigins" env:"ALLOWED_ORIGINS" envSeparator:","`

	CodeTTL    duration `json:"codeTTL" env:"CODE_TTL"`
	IDTokenTTL duration `json:"idTokenTTL" env:"ID_TOKEN_TTL"`
	GCInterval duration `json:"gcInterval" env:"GC_INTERVAL"`

	LogLevel  string `json:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" env:"LOG_FORMAT"`
}

func defaultConfig() config {
	return config{
		Addr:   "localhost:5556",
		Issuer: "http://localhost:5556",
		Storage: storageConfig{
			Type:   "memory",
			Prefix: "ssoidc:",
		},
		CodeTTL:    duration(core.DefaultCodeTTL),
		IDTokenTTL: duration(time.Hour),
		GCInterval: duration(5 * time.Minute),
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// loadConfig layers the YAML file at path (if any) and then the environment
// over the defaults. A nil environ reads the process environment.
func loadConfig(path string, environ map[string]string) (config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing config file %s", path)
		}
	}

	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, errors.Wrap(err, "parsing environment")
	}

	return cfg, nil
}

func (c *config) validate() error {
	var errs []string

	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("issuer %q must be an absolute URL", c.Issuer))
	}
	if c.Addr == "" {
		errs = append(errs, "addr is required")
	}

	switch c.Storage.Type {
	case "memory":
	case "disk", "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Sprintf("storage path is required for %s storage", c.Storage.Type))
		}
	case "postgres", "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Sprintf("storage dsn is required for %s storage", c.Storage.Type))
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, "storage redisAddr is required for redis storage")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage type %q", c.Storage.Type))
	}

	if c.CodeTTL <= 0 || c.IDTokenTTL <= 0 || c.GCInterval <= 0 {
		errs = append(errs, "codeTTL, idTokenTTL and gcInterval must be positive")
	}
	if c.SigningKeyFile != "" && c.SigningKeySetFile != "" {
		errs = append(errs, "only one of signingKeyFile and signingKeySetFile can be set")
	}
	if c.RotateKeysAfter < 0 {
		errs = append(errs, "rotateKeysAfter can't be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("log format must be text or json, not %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (c *config) logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}
