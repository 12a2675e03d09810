package domain

// Hub is the set of live websocket connections
type Hub interface {
	// SendToUser queues a message for one user; false when not connected
	SendToUser(userID string, message []byte) bool

	// Broadcast sends a message to all users
	Broadcast(message []byte)

	// Count returns the number of connected users
	Count() int
}

// Envelope is the frame exchanged over the websocket
type Envelope struct {
	Command string      `json:"command"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	CommandOnlineUserCount = "online_user_count"
	CommandSettled         = "settled"
	CommandPing            = "ping"
	CommandPong            = "pong"
	CommandError           = "error"
)
