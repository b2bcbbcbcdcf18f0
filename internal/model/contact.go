package model

import "time"

// Contact is a locally persisted peer. Unique by ID; NotificationHandle is
// refreshed whenever a newer one is observed. Removal is local-only and does
// not retract the peer's symmetric entry.
type Contact struct {
	ID                 UserID    `db:"ID" json:"id"`
	Username           string    `db:"Username" json:"username"`
	NotificationHandle string    `db:"NotificationHandle" json:"notificationHandle,omitempty"`
	AddedAt            time.Time `db:"AddedAt" json:"addedAt"`
}

// ContactRequest is the transient handshake record written to
// contactRequests/{targetId}/{requesterId}. It is deleted once the target's
// listener has processed it; re-processing is harmless because contact add
// is an upsert.
type ContactRequest struct {
	UserID             UserID `json:"userId"`
	Username           string `json:"username"`
	NotificationHandle string `json:"notificationHandle,omitempty"`
	SentAt             int64  `json:"timestamp"`
}
