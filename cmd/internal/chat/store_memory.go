package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It supports:
//   - pair uniqueness with ErrConflict on duplicate creation
//   - monotonic message ids and created_at per conversation
//   - history paging by after_id (for CI/smoke determinism)
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	msgID  int64
	byPair map[Pair]int64
	convs  map[int64]*memConv

	// maxMessages caps each conversation's history; 0 means unbounded.
	maxMessages int
}

type memConv struct {
	conv Conversation
	msgs []Message // ordered by id
}

// MemoryOption configures InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMessageLimit caps the history of each conversation. Appends past the cap
// fail with ErrStoreUnavailable; stored history is never discarded.
func WithMessageLimit(n int) MemoryOption {
	return func(s *InMemoryStore) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		byPair: make(map[Pair]int64),
		convs:  make(map[int64]*memConv),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FindConversation returns the conversation for pair or ErrNotFound.
func (s *InMemoryStore) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pair]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return s.convs[id].conv, nil
}

// CreateConversation inserts a conversation for pair, or fails with ErrConflict.
func (s *InMemoryStore) CreateConversation(ctx context.Context, pair Pair, now time.Time) (Conversation, error) {
	if pair.Low <= 0 || pair.Low >= pair.High {
		return Conversation{}, errors.New("invalid pair")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPair[pair]; ok {
		return Conversation{}, ErrConflict
	}

	s.nextID++
	c := Conversation{
		ID:              s.nextID,
		ParticipantLow:  pair.Low,
		ParticipantHigh: pair.High,
		CreatedAt:       now,
	}
	s.byPair[pair] = c.ID
	s.convs[c.ID] = &memConv{conv: c, msgs: make([]Message, 0, 64)}
	return c, nil
}

// GetConversation returns the conversation by id or ErrNotFound.
func (s *InMemoryStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[id]
	if c == nil {
		return Conversation{}, ErrNotFound
	}
	return c.conv, nil
}

// ListConversations returns userID's conversations, most recent message first.
func (s *InMemoryStore) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]ConversationSummary, 0, 8)
	for _, c := range s.convs {
		if !c.conv.HasParticipant(userID) {
			continue
		}
		sum := ConversationSummary{
			ConversationID: c.conv.ID,
			PartnerID:      c.conv.Peer(userID),
		}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1]
			text, ts := last.Text, last.CreatedAt
			sum.LastMessage = &text
			sum.LastMessageDate = &ts
		}
		out = append(out, sum)
	}
	s.mu.Unlock()

	sortSummaries(out)
	return out, nil
}

// AppendMessage appends to an existing conversation with monotonic id and created_at.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if in.ConversationID <= 0 || in.SenderID <= 0 || in.Text == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return Message{}, ErrNotFound
	}
	if !c.conv.HasParticipant(in.SenderID) {
		return Message{}, OpError{Op: "chat.AppendMessage", Kind: ErrInvalidParticipants, Msg: "sender is not a participant"}
	}

	if s.maxMessages > 0 && len(c.msgs) >= s.maxMessages {
		return Message{}, OpError{Op: "chat.AppendMessage", Kind: ErrStoreUnavailable, Msg: "conversation history is full"}
	}

	if n := len(c.msgs); n > 0 && now.Before(c.msgs[n-1].CreatedAt) {
		now = c.msgs[n-1].CreatedAt
	}

	s.msgID++
	msg := Message{
		ID:             s.msgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, msg)
	return msg, nil
}

// ListMessages returns messages ordered by (created_at, id) ASC with paging via after_id.
func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	if in.ConversationID <= 0 {
		return MessagePage{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}

	limit := clampLimit(in.Limit)

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return MessagePage{Messages: nil, HasMore: false}, nil
	}

	start := 0
	if in.AfterID != nil {
		after := *in.AfterID
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID > after })
	}
	out := snap[start:]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	if len(out) == 0 {
		return MessagePage{Messages: nil, HasMore: false}, nil
	}

	return MessagePage{Messages: out, HasMore: hasMore}, nil
}

func sortSummaries(out []ConversationSummary) {
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageDate, out[j].LastMessageDate
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		default:
			return out[i].ConversationID > out[j].ConversationID
		}
	})
}
