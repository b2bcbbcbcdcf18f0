package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveSharedSecret(t *testing.T) {
	assert := assert.New(t)

	t.Run("order independent", func(t *testing.T) {
		assert.Equal(DeriveSharedSecret("u-a", "u-b"), DeriveSharedSecret("u-b", "u-a"))
	})

	t.Run("pair specific", func(t *testing.T) {
		assert.NotEqual(DeriveSharedSecret("u-a", "u-b"), DeriveSharedSecret("u-a", "u-c"))
	})

	t.Run("usable as AES-256 key", func(t *testing.T) {
		assert.Len(DeriveSharedSecret("u-a", "u-b"), 32)
	})
}

func TestEncryptDecryptMessage(t *testing.T) {
	assert := assert.New(t)

	key := DeriveSharedSecret("u-a", "u-b")

	t.Run("round trip", func(t *testing.T) {
		for _, plaintext := range []string{"hello", "", "emoji 🎉 and ünïcode", "a longer message that spans more than a single AES block to be safe"} {
			encrypted, err := EncryptMessage(plaintext, key)
			assert.Nil(err)
			assert.NotEqual(plaintext, encrypted)

			decrypted, err := DecryptMessage(encrypted, DeriveSharedSecret("u-b", "u-a"))
			assert.Nil(err)
			assert.Equal(plaintext, decrypted)
		}
	})

	t.Run("nondeterministic ciphertext", func(t *testing.T) {
		first, err := EncryptMessage("same input", key)
		assert.Nil(err)
		second, err := EncryptMessage("same input", key)
		assert.Nil(err)
		assert.NotEqual(first, second)
	})

	t.Run("wrong key fails integrity check", func(t *testing.T) {
		encrypted, err := EncryptMessage("secret", key)
		assert.Nil(err)

		_, err = DecryptMessage(encrypted, DeriveSharedSecret("u-a", "u-c"))
		assert.ErrorIs(err, ErrInvalidCiphertext)
	})

	t.Run("corrupted payload", func(t *testing.T) {
		encrypted, err := EncryptMessage("secret", key)
		assert.Nil(err)

		_, err = DecryptMessage(encrypted+"x", key)
		assert.ErrorIs(err, ErrInvalidCiphertext)

		_, err = DecryptMessage("not-even-dotted", key)
		assert.ErrorIs(err, ErrInvalidCiphertext)
	})
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	assert := assert.New(t)

	privateKey, err := GenerateKeyPair()
	assert.Nil(err)

	encoded, err := EncodePrivateKey(privateKey, "u-a", "1234")
	assert.Nil(err)

	t.Run("decodes with the right PIN", func(t *testing.T) {
		decoded, err := DecodePrivateKey(encoded, "u-a", "1234")
		assert.Nil(err)
		assert.True(privateKey.Equal(decoded))
	})

	t.Run("rejects a wrong PIN", func(t *testing.T) {
		_, err := DecodePrivateKey(encoded, "u-a", "9999")
		assert.ErrorIs(err, ErrInvalidCiphertext)
	})
}

func TestPublicKeyRoundTrip(t *testing.T) {
	assert := assert.New(t)

	privateKey, err := GenerateKeyPair()
	assert.Nil(err)

	encoded, err := EncodePublicKey(&privateKey.PublicKey, "u-a")
	assert.Nil(err)

	decoded, err := DecodePublicKey(encoded)
	assert.Nil(err)
	assert.True(privateKey.PublicKey.Equal(decoded))
}
