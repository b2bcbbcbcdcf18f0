// Package qr encodes and parses the invite payload carried inside scanned
// QR codes. Image scanning itself happens elsewhere; this package only deals
// with the payload text and can render it to a PNG.
package qr

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const inviteType = "nalid24-invite"

var ErrInvalidPayload = errors.New("invalid invite payload")

// Invite is the JSON payload encoded into a user's QR code. Username and
// NotificationHandle are optional; a bare id string is accepted as a
// fallback when the scanned text is not JSON.
type Invite struct {
	Type               string `json:"type"`
	UserID             string `json:"userId"`
	Username           string `json:"username,omitempty"`
	NotificationHandle string `json:"notificationHandle,omitempty"`
	Timestamp          int64  `json:"timestamp,omitempty"`
}

// NewInvite builds the payload published in the local user's QR code.
func NewInvite(userID, username, notificationHandle string) Invite {
	return Invite{
		Type:               inviteType,
		UserID:             userID,
		Username:           username,
		NotificationHandle: notificationHandle,
		Timestamp:          time.Now().UTC().UnixMilli(),
	}
}

// Encode renders the invite as its QR text payload.
func (i Invite) Encode() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PNG renders the invite payload as a QR code image of the given pixel size.
func (i Invite) PNG(size int) ([]byte, error) {
	payload, err := i.Encode()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}

// Parse decodes a scanned payload. JSON payloads must carry a userId;
// anything that is not JSON is treated as a bare opaque user id.
func Parse(payload string) (Invite, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Invite{}, ErrInvalidPayload
	}

	if !strings.HasPrefix(payload, "{") {
		return Invite{Type: inviteType, UserID: payload}, nil
	}

	var invite Invite
	if err := json.Unmarshal([]byte(payload), &invite); err != nil {
		return Invite{}, ErrInvalidPayload
	}
	if invite.UserID == "" {
		return Invite{}, ErrInvalidPayload
	}
	return invite, nil
}
