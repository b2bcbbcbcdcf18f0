// Package crypt implements the messenger's payload encryption: a
// deterministic per-pair shared secret, AES-GCM sealing of message bodies,
// and JWK encoding of the local identity keypair.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrInvalidCiphertext is returned when a ciphertext is malformed, corrupted,
// or was produced under a different key.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// DeriveSharedSecret returns the symmetric key both parties derive for a
// pair of user ids: SHA-256 over the sorted ids joined with "-". It is
// deterministic and needs no network round-trip.
//
// This is a placeholder key agreement: anyone who knows both ids can derive
// the key, and it is not forward-secure. A real deployment replaces it with
// an authenticated key exchange over the identity keypairs.
func DeriveSharedSecret(idA, idB string) []byte {
	pair := []string{idA, idB}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(strings.Join(pair, "-")))
	return sum[:]
}

// EncryptMessage seals plaintext under key and returns a transport-safe
// string: base64(nonce) "." base64(ciphertext).
func EncryptMessage(plaintext string, key []byte) (string, error) {
	return seal([]byte(plaintext), key)
}

// DecryptMessage reverses EncryptMessage. A wrong key or a corrupted payload
// yields ErrInvalidCiphertext.
func DecryptMessage(encrypted string, key []byte) (string, error) {
	data, err := open(encrypted, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func seal(data, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating AES cipher: %w", err)
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM cipher: %w", err)
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("creating AES nonce: %w", err)
	}

	ciphertext := aesgcm.Seal(nil, nonce, data, nil)

	sb := strings.Builder{}
	sb.WriteString(base64.StdEncoding.EncodeToString(nonce))
	sb.WriteRune('.')
	sb.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	return sb.String(), nil
}

func open(encrypted string, key []byte) ([]byte, error) {
	parts := strings.Split(encrypted, ".")
	if len(parts) != 2 {
		return nil, ErrInvalidCiphertext
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM cipher: %w", err)
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	data, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return data, nil
}
