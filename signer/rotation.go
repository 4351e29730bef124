package signer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/square/go-jose.v2"

	"github.com/pardot/ssoidc/storage"
)

const (
	keysKeyspace = "signer-keys"
	// we only have one set, so just use a fixed key
	keysKey = "key"
)

// storedKeys is the persisted key set. JWKs are kept as their JSON form, the
// only encoding jose round trips private keys through.
type storedKeys struct {
	SigningKey    []byte `json:"signingKey"`
	SigningKeyPub []byte `json:"signingKeyPub"`

	// Old signing keys which have been rotated but can still be used to
	// validate existing signatures.
	VerificationKeys []storedVerificationKey `json:"verificationKeys"`

	// Instances must not rotate before this time.
	NextRotation time.Time `json:"nextRotation"`
}

type storedVerificationKey struct {
	PublicKey []byte    `json:"publicKey"`
	Expiry    time.Time `json:"expiry"`
}

// RotationStrategy describes a strategy for generating cryptographic keys, how
// often to rotate them, and how long they can validate signatures after rotation.
type RotationStrategy struct {
	// Time between rotations.
	rotationFrequency time.Duration

	// After being rotated how long should the key be kept around for validating
	// signatues?
	idTokenValidFor time.Duration

	// RSA, as not every relying party supports ECDSA.
	key func() (*rsa.PrivateKey, error)
}

// StaticRotationStrategy returns a strategy which never rotates keys.
func StaticRotationStrategy(key *rsa.PrivateKey) RotationStrategy {
	return RotationStrategy{
		// Setting these values to 100 years is easier than having a flag indicating no rotation.
		rotationFrequency: time.Hour * 8760 * 100,
		idTokenValidFor:   time.Hour * 8760 * 100,
		key:               func() (*rsa.PrivateKey, error) { return key, nil },
	}
}

// DefaultRotationStrategy returns a strategy which rotates keys every provided period,
// holding onto the public parts for some specified amount of time.
func DefaultRotationStrategy(rotationFrequency, idTokenValidFor time.Duration) RotationStrategy {
	return RotationStrategy{
		rotationFrequency: rotationFrequency,
		idTokenValidFor:   idTokenValidFor,
		key:               GenerateRSAKey,
	}
}

// RotatingSigner keeps its keys in shared storage and replaces the signing
// key periodically. Multiple instances on the same storage agree on the keys.
type RotatingSigner struct {
	storage storage.Storage

	strategy RotationStrategy
	interval time.Duration
	now      func() time.Time

	logger logrus.FieldLogger
}

func NewRotating(l logrus.FieldLogger, storage storage.Storage, strategy RotationStrategy) *RotatingSigner {
	return &RotatingSigner{
		storage:  storage,
		logger:   l,
		strategy: strategy,
		interval: 30 * time.Second,
		now:      time.Now,
	}
}

// Start begins key rotation in a new goroutine, closing once the context is canceled.
//
// The method blocks until after the first attempt to rotate keys has completed. That way
// healthy storages will return from this call with valid keys.
func (r *RotatingSigner) Start(ctx context.Context) error {
	if err := r.rotate(ctx); err != nil {
		return err
	}

	r.logger.Info("starting key rotation loop")
	go func() {
		t := time.NewTicker(r.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.rotate(ctx); err != nil {
					r.logger.WithError(err).Error("failed to rotate keys")
				}
			}
		}
	}()

	return nil
}

func (r *RotatingSigner) rotate(ctx context.Context) error {
	keys := &storedKeys{}
	kver, err := r.storage.Get(ctx, keysKeyspace, keysKey, keys)
	if err != nil && !storage.IsNotFoundErr(err) {
		return fmt.Errorf("get keys: %w", err)
	}
	if r.now().Before(keys.NextRotation) {
		return nil
	}
	r.logger.Info("keys expired, rotating")

	// Generate the key outside of a storage transaction.
	key, err := r.strategy.key()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Errorf("generate key id: %w", err)
	}
	keyID := hex.EncodeToString(b)
	priv := &jose.JSONWebKey{
		Key:       key,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	pub := &jose.JSONWebKey{
		Key:       key.Public(),
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}

	tNow := r.now()

	// Remove any verification keys that have expired.
	i := 0
	for _, vk := range keys.VerificationKeys {
		if !tNow.After(vk.Expiry) {
			keys.VerificationKeys[i] = vk
			i++
		}
	}
	keys.VerificationKeys = keys.VerificationKeys[:i]

	if keys.SigningKeyPub != nil {
		// Demote the current signing key, throwing away the private part. It
		// stays for as long as a token it signed can be valid.
		keys.VerificationKeys = append(keys.VerificationKeys, storedVerificationKey{
			PublicKey: keys.SigningKeyPub,
			Expiry:    tNow.Add(r.strategy.idTokenValidFor),
		})
	}

	if keys.SigningKey, err = json.Marshal(priv); err != nil {
		return err
	}
	if keys.SigningKeyPub, err = json.Marshal(pub); err != nil {
		return err
	}
	keys.NextRotation = tNow.Add(r.strategy.rotationFrequency)

	if _, err := r.storage.Put(ctx, keysKeyspace, keysKey, kver, keys); err != nil {
		if storage.IsConflictErr(err) {
			// Assume someone else updated, so roll with it
			return nil
		}
		return err
	}

	r.logger.WithField("next_rotation", keys.NextRotation).Info("keys rotated")
	return nil
}

// PublicKeys returns a keyset of all valid signer public keys considered
// valid for signed tokens
func (r *RotatingSigner) PublicKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := r.pubKeys(ctx)
	if err != nil {
		return nil, err
	}
	return &jose.JSONWebKeySet{
		Keys: keys,
	}, nil
}

func (r *RotatingSigner) SignerAlg(ctx context.Context) (jose.SignatureAlgorithm, error) {
	swk, err := r.signingKey(ctx)
	if err != nil {
		return "", err
	}
	return jose.SignatureAlgorithm(swk.Algorithm), nil
}

func (r *RotatingSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	swk, err := r.signingKey(ctx)
	if err != nil {
		return nil, err
	}
	sk := jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(swk.Algorithm),
		Key:       swk,
	}
	return sign(ctx, sk, data)
}

func (r *RotatingSigner) VerifySignature(ctx context.Context, jwt string) (payload []byte, err error) {
	keys, err := r.pubKeys(ctx)
	if err != nil {
		return nil, err
	}
	return verifySignature(ctx, keys, jwt)
}

func (r *RotatingSigner) signingKey(ctx context.Context) (*jose.JSONWebKey, error) {
	keys := &storedKeys{}
	if _, err := r.storage.Get(ctx, keysKeyspace, keysKey, keys); err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	swk := &jose.JSONWebKey{}
	if err := json.Unmarshal(keys.SigningKey, swk); err != nil {
		return nil, fmt.Errorf("decoding signing key: %w", err)
	}
	return swk, nil
}

// pubKeys returns all currently valid public keys for this instance.
func (r *RotatingSigner) pubKeys(ctx context.Context) ([]jose.JSONWebKey, error) {
	keys := &storedKeys{}
	if _, err := r.storage.Get(ctx, keysKeyspace, keysKey, keys); err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	vks := []jose.JSONWebKey{}
	if keys.SigningKeyPub != nil {
		sk := jose.JSONWebKey{}
		if err := json.Unmarshal(keys.SigningKeyPub, &sk); err != nil {
			return nil, err
		}
		vks = append(vks, sk)
	}
	tNow := r.now()
	for _, k := range keys.VerificationKeys {
		if tNow.After(k.Expiry) {
			continue
		}
		vk := jose.JSONWebKey{}
		if err := json.Unmarshal(k.PublicKey, &vk); err != nil {
			return nil, err
		}
		vks = append(vks, vk)
	}
	return vks, nil
}
