package signer

import (
	"context"
	"crypto"
	"fmt"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/cryptosigner"
)

// CryptoSigner signs with a crypto.Signer, so the private key can live
// anywhere that implements it (memory, a KMS, an HSM).
type CryptoSigner struct {
	signer  jose.Signer
	pubKeys *jose.JSONWebKeySet
	keyID   string

	alg jose.SignatureAlgorithm
}

// NewFromCrypto returns a new Signer, that wraps a crypto.Signer for the actual
// signing/public key options. keyID is used to set the `kid`
// (https://tools.ietf.org/html/rfc7517#section-4.5) field for the returned JWK.
// If it is empty, the key's RFC 7638 thumbprint is used.
func NewFromCrypto(signer crypto.Signer, keyID string) (*CryptoSigner, error) {
	if keyID == "" {
		kid, err := KeyID(signer.Public())
		if err != nil {
			return nil, err
		}
		keyID = kid
	}

	c := &CryptoSigner{
		keyID: keyID,
	}

	alg, err := algorithmFor(signer.Public())
	if err != nil {
		return nil, err
	}
	c.alg = alg

	s, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: c.alg,
			Key: &jose.JSONWebKey{
				Algorithm: string(c.alg),
				Key:       cryptosigner.Opaque(signer),
				KeyID:     keyID,
				Use:       "sig",
			},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	c.signer = s

	c.pubKeys = &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       signer.Public(),
				KeyID:     keyID,
				Algorithm: string(c.alg),
				Use:       "sig",
			},
		},
	}

	return c, nil
}

// PublicKeys returns the public key set this signer is valid for
func (c *CryptoSigner) PublicKeys(_ context.Context) (*jose.JSONWebKeySet, error) {
	return c.pubKeys, nil
}

func (c *CryptoSigner) SignerAlg(_ context.Context) (jose.SignatureAlgorithm, error) {
	return c.alg, nil
}

func (c *CryptoSigner) Sign(_ context.Context, data []byte) (signed []byte, err error) {
	jws, err := c.signer.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}

	ser, err := jws.CompactSerialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	return []byte(ser), nil
}

func (c *CryptoSigner) VerifySignature(ctx context.Context, jwt string) (payload []byte, err error) {
	return verifySignature(ctx, c.pubKeys.Keys, jwt)
}
