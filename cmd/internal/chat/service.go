package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Service is the single entry point for conversation and message operations.
type Service struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service over store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// OpenResult is the outcome of Open.
type OpenResult struct {
	Conversation Conversation
	Created      bool
}

// FindOrCreate returns the unique conversation between a and b, creating it when absent.
func (s *Service) FindOrCreate(ctx context.Context, a, b int64) (Conversation, error) {
	res, err := s.Open(ctx, a, b)
	if err != nil {
		return Conversation{}, err
	}
	return res.Conversation, nil
}

// Open is FindOrCreate that also reports whether this call created the conversation.
//
// Two concurrent callers for the same pair both end with the same conversation:
// the loser of the insert race re-reads the winner's row once.
func (s *Service) Open(ctx context.Context, a, b int64) (OpenResult, error) {
	const op = "chat.FindOrCreate"

	pair, err := Canonicalize(a, b)
	if err != nil {
		return OpenResult{}, err
	}

	c, err := s.store.FindConversation(ctx, pair)
	if err == nil {
		return OpenResult{Conversation: c}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Warn("chat.conversation.lookup.fail", "low", pair.Low, "high", pair.High, "err", err)
		return OpenResult{}, OpError{Op: op, Kind: ErrStoreUnavailable, Msg: err.Error()}
	}

	c, err = s.store.CreateConversation(ctx, pair, s.now())
	switch {
	case err == nil:
		s.log.Info("chat.conversation.created", "conversation_id", c.ID, "low", pair.Low, "high", pair.High)
		return OpenResult{Conversation: c, Created: true}, nil
	case errors.Is(err, ErrConflict):
		c, err = s.store.FindConversation(ctx, pair)
		if err != nil {
			s.log.Warn("chat.conversation.refetch.fail", "low", pair.Low, "high", pair.High, "err", err)
			return OpenResult{}, OpError{Op: op, Kind: ErrStoreUnavailable, Msg: err.Error()}
		}
		return OpenResult{Conversation: c}, nil
	default:
		s.log.Warn("chat.conversation.create.fail", "low", pair.Low, "high", pair.High, "err", err)
		return OpenResult{}, OpError{Op: op, Kind: ErrStoreUnavailable, Msg: err.Error()}
	}
}

// Get returns a conversation by id.
func (s *Service) Get(ctx context.Context, id int64) (Conversation, error) {
	if id <= 0 {
		return Conversation{}, ErrNotFound
	}
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, storeFailure("chat.Get", err)
	}
	return c, nil
}

// Append stores a message in conversationID on behalf of senderID.
// A nil error means the message is persisted, not that anyone received it.
func (s *Service) Append(ctx context.Context, conversationID, senderID int64, text string) (Message, error) {
	const op = "chat.Append"

	text, err := NormalizeText(text)
	if err != nil {
		return Message{}, err
	}
	if conversationID <= 0 || senderID <= 0 {
		return Message{}, OpError{Op: op, Kind: ErrInvalidMessage, Msg: "missing conversation or sender"}
	}

	m, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Now:            s.now(),
	})
	if err != nil {
		s.log.Warn("chat.message.append.fail", "conversation_id", conversationID, "sender_id", senderID, "err", err)
		return Message{}, storeFailure(op, err)
	}
	return m, nil
}

// ListMessages returns one chronological page of history after afterID (nil = from the start).
func (s *Service) ListMessages(ctx context.Context, conversationID int64, afterID *int64, limit int) (MessagePage, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return MessagePage{}, err
	}
	page, err := s.store.ListMessages(ctx, ListMessagesInput{
		ConversationID: conversationID,
		AfterID:        afterID,
		Limit:          limit,
	})
	if err != nil {
		return MessagePage{}, storeFailure("chat.ListMessages", err)
	}
	return page, nil
}

// ListByConversation returns the full history of a conversation in chronological order.
func (s *Service) ListByConversation(ctx context.Context, conversationID int64) ([]Message, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}

	var (
		out   []Message
		after *int64
	)
	for {
		page, err := s.store.ListMessages(ctx, ListMessagesInput{
			ConversationID: conversationID,
			AfterID:        after,
			Limit:          maxPageLimit,
		})
		if err != nil {
			return nil, storeFailure("chat.ListByConversation", err)
		}
		out = append(out, page.Messages...)
		if !page.HasMore || len(page.Messages) == 0 {
			return out, nil
		}
		last := page.Messages[len(page.Messages)-1].ID
		after = &last
	}
}

// ListConversations returns userID's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if userID <= 0 {
		return nil, OpError{Op: "chat.ListConversations", Kind: ErrInvalidParticipants, Msg: "user id must be positive"}
	}
	out, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, storeFailure("chat.ListConversations", err)
	}
	return out, nil
}
