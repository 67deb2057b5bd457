// Package model holds the shared value types of the multiplayer core:
// connection role and status enums, the game message envelope exchanged
// over the data channel, and its typed payloads.
package model

import "encoding/json"

// ConnectionRole is assigned once per session: Host creates the offer,
// Guest consumes it. Reset to RoleNone on disconnect.
type ConnectionRole int

const (
	RoleNone ConnectionRole = iota
	RoleHost
	RoleGuest
)

func (r ConnectionRole) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// ConnectionStatus tracks one peer session. Disconnected is both the
// initial state and the terminal state after a clean teardown.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "disconnected"
	}
}

// Game message types carried over the data channel.
const (
	MessageTypeMove  = "move"
	MessageTypeReset = "reset"
	MessageTypeUndo  = "undo"
	MessageTypeSync  = "sync"
	MessageTypeChat  = "chat"
)

// GameMessage is the application-level envelope for data channel frames.
// Data stays raw until the router dispatches by Type.
type GameMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // epoch millis, set by the sender
}

// MoveData carries a single move. FEN is the full position after the move
// so the receiver can detect desynchronization against its own replay.
type MoveData struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	FEN       string `json:"fen"`
}

// GameStateSync is the authoritative full-state snapshot used to repair a
// detected desync.
type GameStateSync struct {
	FEN         string   `json:"fen"`
	MoveHistory []string `json:"moveHistory"`
	Turn        string   `json:"turn"` // "w" or "b"
}

// ChatData is the chat payload. Reserved on the wire; routed but not
// interpreted by the protocol core.
type ChatData struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}
