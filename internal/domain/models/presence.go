package models

import "time"

// SessionBinding is one live socket for a user on one server instance.
// A user is online iff they have at least one unexpired binding.
type SessionBinding struct {
	SocketID        string    `json:"socket_id"`
	InstanceID      string    `json:"instance_id"`
	Agent           string    `json:"agent,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// PresenceStatus is the read-side view of a user's liveness.
type PresenceStatus struct {
	UserID   string           `json:"user_id"`
	IsOnline bool             `json:"is_online"`
	Sockets  []SessionBinding `json:"sockets,omitempty"`
}
