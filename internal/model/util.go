package model

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
)

// CreateID returns a compact random identifier.
func CreateID() string {
	uuid, _ := uuid.NewRandom()
	return base58.Encode(uuid[:])
}

// NewMessageID builds a message id that encodes its creation time, so ids
// sort in creation order when clocks are trusted. The random suffix keeps
// ids unique across devices writing into the same chat.
func NewMessageID(now time.Time) MessageID {
	return MessageID(fmt.Sprintf("msg_%d_%s", now.UnixMilli(), CreateID()))
}
