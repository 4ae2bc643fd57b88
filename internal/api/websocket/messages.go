package websocket

import (
	"time"

	"github.com/KevinKickass/SwitchBench/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Full status snapshot, sent after every scheduler pass and on every
	// safety transition
	MessageTypeStatus MessageType = "status"

	// One completed station cycle
	MessageTypeCycle MessageType = "cycle"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewStatusMessage(status interface{}) Message {
	return NewMessage(MessageTypeStatus, status)
}

func NewCycleMessage(verdict types.CycleVerdict) Message {
	return NewMessage(MessageTypeCycle, verdict)
}
