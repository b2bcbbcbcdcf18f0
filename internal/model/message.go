package model

import "time"

type MessageID string

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	MessageStatusSending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Rank orders statuses along the sending -> sent -> delivered -> read
// progression. Unknown statuses rank as sent, which is also what an absent
// status field means on the wire.
func (s MessageStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return statusRank[MessageStatusSent]
}

// Advances reports whether moving to next would move the status forward.
// Transitions that would regress a status are silently dropped by callers.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.Rank() > s.Rank()
}

// Message is the decrypted, local-side view of a chat message.
type Message struct {
	ID            MessageID        `json:"id"`
	SenderID      UserID           `json:"senderId"`
	Content       string           `json:"content"`
	CreatedAt     time.Time        `json:"createdAt"`
	Status        MessageStatus    `json:"status"`
	DeliveredAt   *time.Time       `json:"deliveredAt,omitempty"`
	ReadAt        *time.Time       `json:"readAt,omitempty"`
	ReadBy        map[UserID]int64 `json:"readBy,omitempty"`
	Undecryptable bool             `json:"undecryptable,omitempty"`
}

// MessageRecord is the wire shape stored at chats/{chatId}/messages/{id}.
// Only ciphertext crosses the store; timestamps are authoritative
// server-assigned millisecond values.
type MessageRecord struct {
	EncryptedContent string           `json:"encryptedContent"`
	SenderID         UserID           `json:"senderId"`
	Timestamp        int64            `json:"timestamp"`
	Status           MessageStatus    `json:"status,omitempty"`
	DeliveredAt      int64            `json:"deliveredAt,omitempty"`
	ReadAt           int64            `json:"readAt,omitempty"`
	ReadBy           map[UserID]int64 `json:"readBy,omitempty"`
}

func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func OptionalMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := MillisToTime(ms)
	return &t
}
