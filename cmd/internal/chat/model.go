// Package chat owns the conversation core: canonical participant pairs,
// conversation lookup/creation, and the append-only message log.
//
// Transport concerns (WebSocket, HTTP) live in realtime and chat/api; both
// reach conversations only through Service so pairing semantics stay identical.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageChars bounds message text length (runes, after trimming).
const MaxMessageChars = 4000

// Pair is an unordered pair of distinct users in canonical (ascending) order.
type Pair struct {
	Low  int64
	High int64
}

// Canonicalize orders two user ids so {a,b} and {b,a} map to the same Pair.
// It is the only place pair ordering is decided.
func Canonicalize(a, b int64) (Pair, error) {
	if a <= 0 || b <= 0 {
		return Pair{}, OpError{Op: "chat.Canonicalize", Kind: ErrInvalidParticipants, Msg: "user ids must be positive"}
	}
	if a == b {
		return Pair{}, OpError{Op: "chat.Canonicalize", Kind: ErrInvalidParticipants, Msg: "self conversation"}
	}
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

// Conversation pairs exactly two users. It is immutable once created.
type Conversation struct {
	ID              int64
	ParticipantLow  int64
	ParticipantHigh int64
	CreatedAt       time.Time
}

// Pair returns the canonical participant pair.
func (c Conversation) Pair() Pair {
	return Pair{Low: c.ParticipantLow, High: c.ParticipantHigh}
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID int64) bool {
	return userID == c.ParticipantLow || userID == c.ParticipantHigh
}

// Peer returns the other participant, or 0 when userID is not a participant.
func (c Conversation) Peer(userID int64) int64 {
	switch userID {
	case c.ParticipantLow:
		return c.ParticipantHigh
	case c.ParticipantHigh:
		return c.ParticipantLow
	default:
		return 0
	}
}

// Message is one immutable entry of a conversation's log.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Text           string
	CreatedAt      time.Time
}

// ConversationSummary is a per-user view of a conversation with its latest message.
type ConversationSummary struct {
	ConversationID  int64
	PartnerID       int64
	LastMessage     *string
	LastMessageDate *time.Time
}

// NormalizeText trims message text and enforces the non-empty and length rules.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", OpError{Op: "chat.NormalizeText", Kind: ErrInvalidMessage, Msg: "empty text"}
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return "", OpError{Op: "chat.NormalizeText", Kind: ErrInvalidMessage, Msg: "text too long"}
	}
	return text, nil
}
