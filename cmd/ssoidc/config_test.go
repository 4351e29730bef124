package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/square/go-jose.v2"

	"github.com/pardot/ssoidc/signer"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeFile(t, "ssoidc.yaml", `
addr: 0.0.0.0:8080
issuer: https://sso.example
storage:
  type: disk
  path: /var/lib/ssoidc.db
codeTTL: 2m
allowedOrigins:
  - https://a.example
logLevel: debug
`)

	cfg, err := loadConfig(path, map[string]string{
		"SSOIDC_ISSUER":          "https://env.example",
		"SSOIDC_STORAGE_PATH":    "/tmp/env.db",
		"SSOIDC_ID_TOKEN_TTL":    "30m",
		"SSOIDC_ALLOWED_ORIGINS": "https://b.example,https://c.example",
		"UNRELATED":              "ignored",
	})
	if err != nil {
		t.Fatal(err)
	}

	want := defaultConfig()
	want.Addr = "0.0.0.0:8080"
	want.Issuer = "https://env.example"
	want.Storage.Type = "disk"
	want.Storage.Path = "/tmp/env.db"
	want.CodeTTL = duration(2 * time.Minute)
	want.IDTokenTTL = duration(30 * time.Minute)
	want.AllowedOrigins = []string{"https://b.example", "https://c.example"}
	want.LogLevel = "debug"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFlagsOverride(t *testing.T) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	apply := bindFlags(fs)
	if err := fs.Parse([]string{"--issuer=https://flag.example", "--code-ttl=90s", "--allowed-origin=https://x.example"}); err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	cfg.Addr = "from-env:1"
	cfg.Issuer = "https://env.example"
	apply(&cfg)

	if cfg.Issuer != "https://flag.example" {
		t.Errorf("want flag issuer, got %s", cfg.Issuer)
	}
	if cfg.Addr != "from-env:1" {
		t.Errorf("unset flag should not override, got addr %s", cfg.Addr)
	}
	if time.Duration(cfg.CodeTTL) != 90*time.Second {
		t.Errorf("want code ttl 90s, got %s", time.Duration(cfg.CodeTTL))
	}
	if diff := cmp.Diff([]string{"https://x.example"}, cfg.AllowedOrigins); diff != "" {
		t.Errorf("origins mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{}); err == nil {
		t.Error("want error for missing file")
	}
	if _, err := loadConfig(writeFile(t, "bad.yaml", "codeTTL: soon\n"), map[string]string{}); err == nil {
		t.Error("want error for bad duration in file")
	}
	if _, err := loadConfig("", map[string]string{"SSOIDC_GC_INTERVAL": "often"}); err == nil {
		t.Error("want error for bad duration in environment")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		Name    string
		Modify  func(c *config)
		WantErr bool
	}{
		{Name: "defaults", Modify: func(c *config) {}},
		{Name: "relative issuer", Modify: func(c *config) { c.Issuer = "/sso" }, WantErr: true},
		{Name: "unknown storage", Modify: func(c *config) { c.Storage.Type = "etcd" }, WantErr: true},
		{Name: "disk without path", Modify: func(c *config) { c.Storage.Type = "disk" }, WantErr: true},
		{Name: "postgres without dsn", Modify: func(c *config) { c.Storage.Type = "postgres" }, WantErr: true},
		{Name: "redis without addr", Modify: func(c *config) { c.Storage.Type = "redis" }, WantErr: true},
		{Name: "redis", Modify: func(c *config) { c.Storage.Type = "redis"; c.Storage.RedisAddr = "localhost:6379" }},
		{Name: "key file and key set", Modify: func(c *config) { c.SigningKeyFile = "a.pem"; c.SigningKeySetFile = "b.json" }, WantErr: true},
		{Name: "zero code ttl", Modify: func(c *config) { c.CodeTTL = 0 }, WantErr: true},
		{Name: "bad log level", Modify: func(c *config) { c.LogLevel = "loud" }, WantErr: true},
		{Name: "bad log format", Modify: func(c *config) { c.LogFormat = "xml" }, WantErr: true},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			c := defaultConfig()
			tc.Modify(&c)
			err := c.validate()
			if (err != nil) != tc.WantErr {
				t.Errorf("want error %t, got %v", tc.WantErr, err)
			}
		})
	}
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, sc := range []storageConfig{
		{Type: "memory"},
		{Type: "disk", Path: filepath.Join(dir, "disk.db")},
		{Type: "sqlite", Path: filepath.Join(dir, "sqlite.db")},
	} {
		t.Run(sc.Type, func(t *testing.T) {
			s, closeFn, err := openStorage(ctx, sc)
			if err != nil {
				t.Fatal(err)
			}
			defer func() {
				if err := closeFn(); err != nil {
					t.Error(err)
				}
			}()

			if _, err := s.Put(ctx, "probe", "k", 0, "v"); err != nil {
				t.Errorf("put on %s storage: %v", sc.Type, err)
			}
		})
	}

	if _, _, err := openStorage(ctx, storageConfig{Type: "etcd"}); err == nil {
		t.Error("want error for unknown storage type")
	}
}

func TestNewSigner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := logrus.New()
	l.SetOutput(io.Discard)
	s, closeFn, err := openStorage(ctx, storageConfig{Type: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = closeFn() }()

	c := defaultConfig()
	if _, err := newSigner(ctx, l, &c, s); err != nil {
		t.Errorf("ephemeral signer: %v", err)
	}

	c.RotateKeysAfter = duration(time.Hour)
	sig, err := newSigner(ctx, l, &c, s)
	if err != nil {
		t.Fatalf("rotating signer: %v", err)
	}
	if _, ok := sig.(*signer.RotatingSigner); !ok {
		t.Errorf("want a rotating signer, got %T", sig)
	}

	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: mustRSAKey(t), KeyID: "retired"},
		{Key: mustRSAKey(t), KeyID: "current"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	c.SigningKeySetFile = writeFile(t, "keys.json", string(jwks))
	c.SigningKeyID = "current"
	sig, err = newSigner(ctx, l, &c, s)
	if err != nil {
		t.Fatalf("key set signer: %v", err)
	}
	if _, ok := sig.(*signer.KeySetSigner); !ok {
		t.Errorf("want a key set signer, got %T", sig)
	}
	if keys, err := sig.PublicKeys(ctx); err != nil || len(keys.Keys) != 2 {
		t.Errorf("want both keys published, got %v, %v", keys, err)
	}

	c.SigningKeyID = "unknown"
	if _, err := newSigner(ctx, l, &c, s); err == nil {
		t.Error("want error for a signing key id missing from the set")
	}

	c.SigningKeySetFile = ""
	c.SigningKeyID = ""
	c.SigningKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := newSigner(ctx, l, &c, s); err == nil {
		t.Error("want error for missing key file")
	}
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := signer.GenerateRSAKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}
