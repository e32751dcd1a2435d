package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound events.
const (
	EventMessageNew            = "message:new"
	EventConversationUpdated   = "conversation:updated"
	EventConversationNew       = "conversation:new"
	EventTypingStart           = "typing:start"
	EventTypingStop            = "typing:stop"
	EventOperatorStatusChanged = "operator:status-changed"
	EventNotificationNew       = "notification:new"
	EventConversationAssigned  = "conversation:assigned"
	EventControlTaken          = "control:taken"
	EventControlReleased       = "control:released"
)

// InboundEvents lists every server event the dashboard consumes.
var InboundEvents = []string{
	EventMessageNew,
	EventConversationUpdated,
	EventConversationNew,
	EventTypingStart,
	EventTypingStop,
	EventOperatorStatusChanged,
	EventNotificationNew,
	EventConversationAssigned,
	EventControlTaken,
	EventControlReleased,
}

// Outbound control events.
const (
	eventJoinConversation  = "join:conversation"
	eventLeaveConversation = "leave:conversation"
	eventOperatorStatus    = "operator:status"
	eventMessageRead       = "message:read"
)

// Handshake frames.
const (
	eventConnect      = "connect"
	eventConnectError = "connect_error"
)

// Local lifecycle events published on the bus, never sent on the wire.
const (
	EventConnected    = "channel:connected"
	EventDisconnected = "channel:disconnected"
)

// ErrNotConnected is returned by emits while the channel is not connected.
var ErrNotConnected = errors.New("realtime channel not connected")

// ChannelError describes a handshake or transport failure. It is logged,
// never returned to callers of Connect.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// envelope is the frame format in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type handshakePayload struct {
	Token string `json:"token"`
}

type handshakeError struct {
	Message string `json:"message"`
}

// TypingEvent is the payload of typing:start and typing:stop.
type TypingEvent struct {
	ConversationID string          `json:"conversationId"`
	User           json.RawMessage `json:"user,omitempty"`
}

// OperatorStatus is an operator's availability.
type OperatorStatus string

const (
	OperatorOnline  OperatorStatus = "online"
	OperatorOffline OperatorStatus = "offline"
	OperatorBusy    OperatorStatus = "busy"
)

func (s OperatorStatus) valid() bool {
	switch s {
	case OperatorOnline, OperatorOffline, OperatorBusy:
		return true
	}
	return false
}

// OperatorStatusChanged is the payload of operator:status-changed.
type OperatorStatusChanged struct {
	OperatorID string         `json:"operatorId"`
	Status     OperatorStatus `json:"status"`
}

// DisconnectInfo is the payload of the local EventDisconnected event.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

type operatorStatusPayload struct {
	Status OperatorStatus `json:"status"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
}

type messageReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}
