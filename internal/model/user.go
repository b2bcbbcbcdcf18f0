package model

import "time"

type UserID string // UUID assigned at onboarding, e.g. 6f1c9f2e-8a44-4df0-b8f3-1c2d3e4f5a6b

// User is the local device identity. Exactly one exists per installation and
// it is never written to the shared store in full; only the fields in
// Profile are published.
type User struct {
	ID        UserID    `db:"ID" json:"id"`
	Username  string    `db:"Username" json:"username"`
	CreatedAt time.Time `db:"CreatedAt" json:"createdAt"`

	// Key material lives only in the local store.
	PrivateKey string `db:"PrivateKey" json:"-"`
	PublicKey  string `db:"PublicKey" json:"-"`
	PINHash    string `db:"PINHash" json:"-"`
}

// Profile is the public discoverability record kept at users/{userId} so that
// peers and the push collaborator can resolve a notification handle from an id.
type Profile struct {
	UserID             UserID `json:"userId"`
	Username           string `json:"username"`
	NotificationHandle string `json:"notificationHandle,omitempty"`
	UpdatedAt          int64  `json:"updatedAt,omitempty"`
}
