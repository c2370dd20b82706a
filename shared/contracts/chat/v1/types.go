// Package v1 defines the tutors chat realtime protocol v1 contract.
//
// The package is dependency-light and shared between the server, the smoke client
// and tests, so the wire protocol stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for this contract.
const Subprotocol = "tutors.chat.v1"

// Type constants (wire-stable).
const (
	// TypeJoin announces the identity behind a connection (client -> server). No reply on success.
	TypeJoin = "join"

	// TypeSendMessage requests sending a message to another user (client -> server).
	TypeSendMessage = "send_message"
	// TypeSendMessageAck answers exactly one send_message, correlated by ReplyTo (server -> client).
	TypeSendMessageAck = "send_message_ack"

	// TypeReceiveMessage pushes a stored message to the receiver's live connection (server -> client).
	TypeReceiveMessage = "receive_message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Ack statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeSendMessage,
		TypeSendMessageAck,
		TypeReceiveMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinPayload announces which user owns the connection.
type JoinPayload struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// SendMessagePayload asks the server to store a message and push it to the receiver.
// SenderID may be omitted; when present it must match the joined user.
type SendMessagePayload struct {
	SenderID   int64  `json:"sender_id,omitempty" validate:"omitempty,gt=0"`
	ReceiverID int64  `json:"receiver_id" validate:"required,gt=0"`
	Text       string `json:"text" validate:"required"`
}

// Message is the persisted message shape used by acks, pushes and history.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// SendMessageAckPayload is the result of a send_message request.
//
// Message carries the stored Message when Status is "ok" and the failure reason
// string when Status is "error".
type SendMessageAckPayload struct {
	Status  string          `json:"status"`
	Message json.RawMessage `json:"message"`
}

// OKAck builds a successful acknowledgement carrying the stored message.
func OKAck(m Message) SendMessageAckPayload {
	raw, _ := json.Marshal(m)
	return SendMessageAckPayload{Status: StatusOK, Message: raw}
}

// ErrorAck builds a failed acknowledgement carrying a reason code.
func ErrorAck(reason string) SendMessageAckPayload {
	raw, _ := json.Marshal(reason)
	return SendMessageAckPayload{Status: StatusError, Message: raw}
}

// StoredMessage decodes the message of an "ok" acknowledgement.
func (p SendMessageAckPayload) StoredMessage() (Message, error) {
	if p.Status != StatusOK {
		return Message{}, fmt.Errorf("ack status is %q", p.Status)
	}
	var m Message
	if err := json.Unmarshal(p.Message, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Reason decodes the reason of an "error" acknowledgement.
func (p SendMessageAckPayload) Reason() string {
	if p.Status != StatusError {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Message, &s); err != nil {
		return ""
	}
	return s
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
