package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pardot/ssoidc/signer"
	"github.com/pardot/ssoidc/storage"
	"github.com/pardot/ssoidc/storage/disk"
	"github.com/pardot/ssoidc/storage/memory"
	"github.com/pardot/ssoidc/storage/redis"
	"github.com/pardot/ssoidc/storage/sql"
)

// openStorage returns the configured backend and a func to release it.
func openStorage(ctx context.Context, c storageConfig) (storage.Storage, func() error, error) {
	noop := func() error { return nil }

	switch c.Type {
	case "memory":
		return memory.New(), noop, nil
	case "disk":
		s, err := disk.New(c.Path, 0600)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening disk storage at %s", c.Path)
		}
		return s, s.Close, nil
	case "postgres", "sqlite", "mysql":
		dialect, err := sql.DialectFor(c.Type)
		if err != nil {
			return nil, nil, err
		}
		dsn := c.DSN
		if c.Type == "sqlite" {
			dsn = c.Path
		}
		s, err := sql.Open(ctx, dialect, dsn)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening %s storage", c.Type)
		}
		return s, s.Close, nil
	case "redis":
		s, err := redis.Open(ctx, &goredis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		}, c.Prefix)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "connecting to redis at %s", c.RedisAddr)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", c.Type)
	}
}

// newSigner picks the identity token signer: a configured key or key set
// file, keys rotated through storage, or a throwaway key.
func newSigner(ctx context.Context, l logrus.FieldLogger, c *config, s storage.Storage) (signer.Signer, error) {
	switch {
	case c.SigningKeyFile != "":
		key, err := signer.LoadPrivateKey(c.SigningKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading signing key")
		}
		sig, err := signer.NewFromCrypto(key, c.SigningKeyID)
		if err != nil {
			return nil, errors.Wrap(err, "creating signer")
		}
		return sig, nil
	case c.SigningKeySetFile != "":
		sig, err := signer.LoadKeySet(c.SigningKeySetFile, c.SigningKeyID)
		if err != nil {
			return nil, errors.Wrap(err, "loading signing key set")
		}
		return sig, nil
	case c.RotateKeysAfter > 0:
		rs := signer.NewRotating(l, s, signer.DefaultRotationStrategy(
			time.Duration(c.RotateKeysAfter), time.Duration(c.IDTokenTTL),
		))
		if err := rs.Start(ctx); err != nil {
			return nil, errors.Wrap(err, "starting key rotation")
		}
		return rs, nil
	default:
		l.Warn("no signing key configured, generating an ephemeral one. Issued tokens won't survive a restart")
		key, err := signer.GenerateRSAKey()
		if err != nil {
			return nil, errors.Wrap(err, "generating signing key")
		}
		sig, err := signer.NewFromCrypto(key, c.SigningKeyID)
		if err != nil {
			return nil, errors.Wrap(err, "creating signer")
		}
		return sig, nil
	}
}
