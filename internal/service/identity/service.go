// Package identity owns the local device identity: a uuid user id, an ECDSA
// keypair minted at onboarding, the bcrypt unlock-PIN hash, and the derived
// artefacts peers see (scan codes, QR invites) or the hub sees (session
// tokens).
package identity

import (
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cespare/xxhash"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nalid/nalid24/internal/localstore"
	"github.com/nalid/nalid24/internal/model"
	"github.com/nalid/nalid24/pkg/crypt"
	"github.com/nalid/nalid24/pkg/qr"
)

const (
	sessionTokenTTL = time.Hour
	tokenIssuer     = "nalid24"

	// kv key holding the push notification handle registered by the device.
	notificationHandleKey = "notification_token"
)

type Service struct {
	store *localstore.Store
	now   func() time.Time
}

func New(store *localstore.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create mints a fresh identity: random uuid, P-256 keypair sealed under the
// PIN, and the bcrypt PIN hash. Any previous identity is replaced.
func (s *Service) Create(username, pin string) (*model.User, error) {
	userID := model.UserID(uuid.NewString())

	privateKey, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	privateKeyEnc, err := crypt.EncodePrivateKey(privateKey, string(userID), pin)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}

	publicKeyEnc, err := crypt.EncodePublicKey(&privateKey.PublicKey, string(userID))
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	pinBytes, err := bcrypt.GenerateFromPassword([]byte(pin), 10)
	if err != nil {
		return nil, fmt.Errorf("hashing PIN: %w", err)
	}

	user := &model.User{
		ID:         userID,
		Username:   username,
		CreatedAt:  s.now().UTC(),
		PrivateKey: privateKeyEnc,
		PublicKey:  publicKeyEnc,
		PINHash:    base64.StdEncoding.EncodeToString(pinBytes),
	}

	if err := s.store.SaveUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Load returns the stored identity, model.ErrorNotInitialized when onboarding
// has not happened yet.
func (s *Service) Load() (*model.User, error) {
	user, err := s.store.FetchUser()
	if err != nil {
		if errors.Is(err, model.ErrorUserNotFound) {
			return nil, model.ErrorNotInitialized
		}
		return nil, err
	}
	return user, nil
}

// VerifyPIN checks the unlock PIN against the stored bcrypt hash.
func (s *Service) VerifyPIN(pin string) error {
	user, err := s.Load()
	if err != nil {
		return err
	}

	hash, err := base64.StdEncoding.DecodeString(user.PINHash)
	if err != nil {
		return fmt.Errorf("decoding PIN hash: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(pin)); err != nil {
		return model.ErrorInvalidPIN
	}
	return nil
}

// UnlockPrivateKey decrypts the identity private key with the PIN. A wrong
// PIN surfaces as model.ErrorInvalidPIN rather than a cipher error.
func (s *Service) UnlockPrivateKey(pin string) (*ecdsa.PrivateKey, error) {
	user, err := s.Load()
	if err != nil {
		return nil, err
	}

	privateKey, err := crypt.DecodePrivateKey(user.PrivateKey, string(user.ID), pin)
	if err != nil {
		if errors.Is(err, crypt.ErrInvalidCiphertext) {
			return nil, model.ErrorInvalidPIN
		}
		return nil, err
	}
	return privateKey, nil
}

// SessionToken issues a short-lived ES256 token signed with the identity key.
// The hub verifies it against the public key published at users/{userId}.
func (s *Service) SessionToken(pin string) (string, error) {
	user, err := s.Load()
	if err != nil {
		return "", err
	}

	privateKey, err := s.UnlockPrivateKey(pin)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	claims := jwt.StandardClaims{
		Subject:   string(user.ID),
		Issuer:    tokenIssuer,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(sessionTokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = string(user.ID)

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// ScanCode derives the short human-comparable code shown next to the QR
// invite, hashed from the public key so both peers can cross-check it.
func (s *Service) ScanCode() (string, error) {
	user, err := s.Load()
	if err != nil {
		return "", err
	}

	publicKey, err := crypt.DecodePublicKey(user.PublicKey)
	if err != nil {
		return "", err
	}

	xxHash := xxhash.New()
	xxHash.Write(publicKey.X.Bytes())
	xxHash.Write(publicKey.Y.Bytes())
	rawCode := xxHash.Sum(nil)
	return base58.Encode(rawCode[:]), nil
}

// SetNotificationHandle records the device's push handle so it can be
// embedded in invites and published to the discoverability registry.
func (s *Service) SetNotificationHandle(handle string) error {
	return s.store.SetValue(notificationHandleKey, handle)
}

// NotificationHandle returns the registered push handle, empty when none has
// been set.
func (s *Service) NotificationHandle() (string, error) {
	var handle string
	err := s.store.GetValue(notificationHandleKey, &handle)
	if errors.Is(err, model.ErrorNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return handle, nil
}

// Invite builds the QR invite payload for the local user.
func (s *Service) Invite() (qr.Invite, error) {
	user, err := s.Load()
	if err != nil {
		return qr.Invite{}, err
	}

	handle, err := s.NotificationHandle()
	if err != nil {
		return qr.Invite{}, err
	}
	return qr.NewInvite(string(user.ID), user.Username, handle), nil
}

// InvitePNG renders the invite QR code at the given pixel size.
func (s *Service) InvitePNG(size int) ([]byte, error) {
	invite, err := s.Invite()
	if err != nil {
		return nil, err
	}
	return invite.PNG(size)
}

// Profile is the public record published at users/{userId}.
func (s *Service) Profile() (*model.Profile, error) {
	user, err := s.Load()
	if err != nil {
		return nil, err
	}

	handle, err := s.NotificationHandle()
	if err != nil {
		return nil, err
	}

	return &model.Profile{
		UserID:             user.ID,
		Username:           user.Username,
		NotificationHandle: handle,
		UpdatedAt:          s.now().UTC().UnixMilli(),
	}, nil
}

// Clear wipes the stored identity. Chats and contacts are cleared separately
// by the logout flow.
func (s *Service) Clear() error {
	if err := s.store.DeleteUser(); err != nil {
		return err
	}
	return s.store.RemoveValue(notificationHandleKey)
}
