package model

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the single record kept at presence/{userId}, overwritten on
// every transition. Owned by the user it describes, readable by anyone who
// knows the id.
type Presence struct {
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"`
}
