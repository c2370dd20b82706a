package chat

import (
	"context"
	"time"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// ConversationStore persists canonical participant pairs.
//
// Requirements:
//   - At most one conversation per Pair (unique constraint on the pair)
//   - CreateConversation returns ErrConflict when the pair already exists
//   - Lookups return ErrNotFound for missing rows
type ConversationStore interface {
	FindConversation(ctx context.Context, pair Pair) (Conversation, error)
	CreateConversation(ctx context.Context, pair Pair, now time.Time) (Conversation, error)
	GetConversation(ctx context.Context, id int64) (Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error)
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Append-only, immutable rows
//   - IDs strictly increasing and CreatedAt non-decreasing within a conversation
//   - History ordered by (created_at, id) ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error)
}

// Store is the full persistence boundary used by Service.
type Store interface {
	ConversationStore
	MessageStore
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID int64
	SenderID       int64
	Text           string
	Now            time.Time
}

// ListMessagesInput describes a history window request.
type ListMessagesInput struct {
	ConversationID int64
	AfterID        *int64
	Limit          int
}

// MessagePage contains one window of history.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
