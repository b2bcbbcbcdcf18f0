package qr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInviteRoundTrip(t *testing.T) {
	assert := assert.New(t)

	invite := NewInvite("u-b", "Bob", "fcm-token-123")
	payload, err := invite.Encode()
	assert.Nil(err)

	parsed, err := Parse(payload)
	assert.Nil(err)
	assert.Equal("u-b", parsed.UserID)
	assert.Equal("Bob", parsed.Username)
	assert.Equal("fcm-token-123", parsed.NotificationHandle)
}

func TestParseBareID(t *testing.T) {
	assert := assert.New(t)

	parsed, err := Parse("6f1c9f2e-8a44-4df0-b8f3-1c2d3e4f5a6b")
	assert.Nil(err)
	assert.Equal("6f1c9f2e-8a44-4df0-b8f3-1c2d3e4f5a6b", parsed.UserID)
	assert.Empty(parsed.Username)
}

func TestParseRejectsGarbage(t *testing.T) {
	assert := assert.New(t)

	_, err := Parse("")
	assert.ErrorIs(err, ErrInvalidPayload)

	_, err = Parse("{not json")
	assert.ErrorIs(err, ErrInvalidPayload)

	_, err = Parse(`{"username":"nobody"}`)
	assert.ErrorIs(err, ErrInvalidPayload)
}

func TestPNG(t *testing.T) {
	assert := assert.New(t)

	png, err := NewInvite("u-a", "Alice", "").PNG(200)
	assert.Nil(err)
	assert.NotEmpty(png)
	// PNG magic bytes
	assert.Equal([]byte{0x89, 'P', 'N', 'G'}, png[:4])
}
