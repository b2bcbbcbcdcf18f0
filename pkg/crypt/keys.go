package crypt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/rakutentech/jwk-go/jwk"
)

// GenerateKeyPair creates the P-256 identity keypair minted once at
// onboarding. The private key signs hub session tokens; it never leaves the
// device.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return privateKey, nil
}

// EncodePrivateKey serializes the private key as a JWK and seals it under a
// key derived from the user id and unlock PIN, so the blob at rest is
// useless without the PIN.
func EncodePrivateKey(privateKey *ecdsa.PrivateKey, userID, pin string) (string, error) {
	keyData, err := marshalJWK(privateKey, userID)
	if err != nil {
		return "", err
	}
	return seal(keyData, pinKey(userID, pin))
}

// DecodePrivateKey reverses EncodePrivateKey. A wrong PIN surfaces as
// ErrInvalidCiphertext.
func DecodePrivateKey(encoded, userID, pin string) (*ecdsa.PrivateKey, error) {
	keyData, err := open(encoded, pinKey(userID, pin))
	if err != nil {
		return nil, err
	}

	keySpec, err := jwk.Parse(string(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	privateKey, ok := keySpec.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", keySpec.Key)
	}
	return privateKey, nil
}

// EncodePublicKey serializes a public key as a base64 JWK for the local
// store and for invite payload signatures.
func EncodePublicKey(publicKey *ecdsa.PublicKey, userID string) (string, error) {
	keyData, err := marshalJWK(publicKey, userID)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(keyData), nil
}

func DecodePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}

	keySpec, err := jwk.Parse(string(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	publicKey, ok := keySpec.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", keySpec.Key)
	}
	return publicKey, nil
}

func marshalJWK(key any, userID string) ([]byte, error) {
	ks := jwk.NewSpec(key)
	rawJWK, err := ks.ToJWK()
	if err != nil {
		return nil, fmt.Errorf("creating JWK: %w", err)
	}

	rawJWK.Use = "sig"
	rawJWK.Alg = "ES256"
	rawJWK.Kid = userID

	keyData, err := rawJWK.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshalling JWK: %w", err)
	}
	return keyData, nil
}

func pinKey(userID, pin string) []byte {
	shaHash := sha256.New()
	shaHash.Write([]byte(userID))
	shaHash.Write([]byte(pin))
	return shaHash.Sum(nil)
}
