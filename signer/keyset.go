package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/square/go-jose.v2"
)

// KeySetSigner signs with one private key of a JSON Web Key Set, and accepts
// tokens signed by any key in it. Retired keys are kept in the set, unused for
// signing, until the tokens they signed have expired.
type KeySetSigner struct {
	signingKey       jose.SigningKey
	verificationKeys []jose.JSONWebKey
}

// LoadKeySet reads a JWKS file holding private keys. See NewFromKeySet.
func LoadKeySet(path, signingKeyID string) (*KeySetSigner, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key set: %w", err)
	}
	set := &jose.JSONWebKeySet{}
	if err := json.Unmarshal(b, set); err != nil {
		return nil, fmt.Errorf("parsing key set: %w", err)
	}
	return NewFromKeySet(set, signingKeyID)
}

// NewFromKeySet signs with the key in set with ID signingKeyID, or the first
// key if that's empty. Every key must be an RSA or ECDSA private key. Keys
// without an ID get their thumbprint.
func NewFromKeySet(set *jose.JSONWebKeySet, signingKeyID string) (*KeySetSigner, error) {
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("key set is empty")
	}

	s := &KeySetSigner{}
	var found bool
	for i, k := range set.Keys {
		if !k.Valid() || k.IsPublic() {
			return nil, fmt.Errorf("key %d (%q) is not a private key", i, k.KeyID)
		}
		pub := k.Public()
		if pub.Key == nil {
			return nil, fmt.Errorf("key %d (%q) has unsupported type %T", i, k.KeyID, k.Key)
		}

		alg := jose.SignatureAlgorithm(k.Algorithm)
		if alg == "" {
			var err error
			if alg, err = algorithmFor(pub.Key); err != nil {
				return nil, fmt.Errorf("key %d (%q): %w", i, k.KeyID, err)
			}
		}
		kid := k.KeyID
		if kid == "" {
			var err error
			if kid, err = KeyID(pub.Key); err != nil {
				return nil, err
			}
		}

		s.verificationKeys = append(s.verificationKeys, jose.JSONWebKey{
			Key:       pub.Key,
			KeyID:     kid,
			Algorithm: string(alg),
			Use:       "sig",
		})

		if !found && (signingKeyID == "" || signingKeyID == kid) {
			s.signingKey = jose.SigningKey{
				Algorithm: alg,
				Key:       &jose.JSONWebKey{Key: k.Key, KeyID: kid, Algorithm: string(alg)},
			}
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("signing key %q not in key set", signingKeyID)
	}

	return s, nil
}

// PublicKeys returns the public half of every key in the set.
func (s *KeySetSigner) PublicKeys(_ context.Context) (*jose.JSONWebKeySet, error) {
	return &jose.JSONWebKeySet{
		Keys: s.verificationKeys,
	}, nil
}

func (s *KeySetSigner) SignerAlg(_ context.Context) (jose.SignatureAlgorithm, error) {
	return s.signingKey.Algorithm, nil
}

func (s *KeySetSigner) Sign(ctx context.Context, data []byte) (signed []byte, err error) {
	return sign(ctx, s.signingKey, data)
}

func (s *KeySetSigner) VerifySignature(ctx context.Context, jwt string) (payload []byte, err error) {
	return verifySignature(ctx, s.verificationKeys, jwt)
}

// algorithmFor picks the signature algorithm for a public key.
func algorithmFor(pub crypto.PublicKey) (jose.SignatureAlgorithm, error) {
	switch pub := pub.(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve.Params().BitSize {
		case 256:
			return jose.ES256, nil
		case 384:
			return jose.ES384, nil
		case 521:
			return jose.ES512, nil
		default:
			return "", fmt.Errorf("unsupported ecdsa curve %s", pub.Curve.Params().Name)
		}
	case *rsa.PublicKey:
		return jose.RS256, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", pub)
	}
}
