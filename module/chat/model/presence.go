package model

const LastSeenTableName = "user_last_seen"

// LastSeen is the durable mirror of a user's last-seen timestamp.
// Presence itself is ephemeral (Redis); only last-seen must survive a
// restart.
type LastSeen struct {
	UserID   string `bson:"user_id"`
	LastSeen int64  `bson:"last_seen"` // unix ms
}

func (LastSeen) TableName() string { return LastSeenTableName }

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceStatus is the caller-facing presence record; a user with no
// record reads as offline with zero LastSeen.
type PresenceStatus struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen,omitempty"` // unix ms, 0 = unknown
}
