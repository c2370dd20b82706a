package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewService(store, opts...)
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		a, b    int64
		want    Pair
		wantErr error
	}{
		{name: "ordered", a: 3, b: 9, want: Pair{Low: 3, High: 9}},
		{name: "reversed", a: 9, b: 3, want: Pair{Low: 3, High: 9}},
		{name: "self", a: 5, b: 5, wantErr: ErrInvalidParticipants},
		{name: "zero", a: 0, b: 5, wantErr: ErrInvalidParticipants},
		{name: "negative", a: 5, b: -1, wantErr: ErrInvalidParticipants},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.a, tt.b)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestService_FindOrCreate_SymmetricAndIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	svc := newTestService(t, store)

	first, err := svc.Open(ctx, 7, 9)
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Equal(t, int64(7), first.Conversation.ParticipantLow)
	require.Equal(t, int64(9), first.Conversation.ParticipantHigh)

	again, err := svc.Open(ctx, 7, 9)
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, first.Conversation.ID, again.Conversation.ID)

	reversed, err := svc.FindOrCreate(ctx, 9, 7)
	require.NoError(t, err)
	require.Equal(t, first.Conversation.ID, reversed.ID)

	other, err := svc.FindOrCreate(ctx, 7, 3)
	require.NoError(t, err)
	require.NotEqual(t, first.Conversation.ID, other.ID)
}

func TestService_FindOrCreate_SelfPairTouchesNoStore(t *testing.T) {
	t.Parallel()

	store := &countingStore{InMemoryStore: NewInMemoryStore()}
	svc := newTestService(t, store)

	_, err := svc.FindOrCreate(context.Background(), 7, 7)
	require.ErrorIs(t, err, ErrInvalidParticipants)
	require.Equal(t, int32(0), store.calls.Load())
}

func TestService_FindOrCreate_ConcurrentCreatorsConverge(t *testing.T) {
	t.Parallel()

	store := newRaceStore()
	svc := newTestService(t, store)

	var (
		wg      sync.WaitGroup
		results [2]OpenResult
		errs    [2]error
	)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := int64(7), int64(9)
			if i == 1 {
				a, b = b, a
			}
			results[i], errs[i] = svc.Open(context.Background(), a, b)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, results[0].Conversation.ID, results[1].Conversation.ID)
	require.True(t, results[0].Created != results[1].Created, "exactly one caller creates")
}

func TestService_FindOrCreate_StoreFailure(t *testing.T) {
	t.Parallel()

	store := &failingStore{InMemoryStore: NewInMemoryStore(), failFind: true}
	svc := newTestService(t, store)

	_, err := svc.FindOrCreate(context.Background(), 7, 9)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, ReasonStoreUnavailable, Reason(err))
}

func TestService_Append_OrderAndTimestamps(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var tick atomic.Int64
	// Clock runs backwards so the store must clamp created_at.
	clock := func() time.Time { return base.Add(-time.Duration(tick.Add(1)) * time.Second) }

	ctx := context.Background()
	svc := newTestService(t, NewInMemoryStore(), WithClock(clock))

	conv, err := svc.FindOrCreate(ctx, 7, 9)
	require.NoError(t, err)

	const n = 25
	for i := range n {
		sender := int64(7)
		if i%2 == 1 {
			sender = 9
		}
		_, err := svc.Append(ctx, conv.ID, sender, "msg "+string(rune('a'+i)))
		require.NoError(t, err)
	}

	history, err := svc.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, n)
	for i := 1; i < len(history); i++ {
		require.Greater(t, history[i].ID, history[i-1].ID)
		require.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}
	require.Equal(t, "msg a", history[0].Text)
}

func TestService_Append_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t, NewInMemoryStore())

	conv, err := svc.FindOrCreate(ctx, 3, 4)
	require.NoError(t, err)

	tests := []struct {
		name    string
		convID  int64
		sender  int64
		text    string
		wantErr error
	}{
		{name: "blank", convID: conv.ID, sender: 3, text: "   ", wantErr: ErrInvalidMessage},
		{name: "too long", convID: conv.ID, sender: 3, text: strings.Repeat("я", MaxMessageChars+1), wantErr: ErrInvalidMessage},
		{name: "missing sender", convID: conv.ID, sender: 0, text: "hi", wantErr: ErrInvalidMessage},
		{name: "outsider", convID: conv.ID, sender: 99, text: "hi", wantErr: ErrInvalidParticipants},
		{name: "unknown conversation", convID: conv.ID + 100, sender: 3, text: "hi", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Append(ctx, tt.convID, tt.sender, tt.text)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	history, err := svc.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestService_Append_TrimsAndAcceptsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t, NewInMemoryStore())

	conv, err := svc.FindOrCreate(ctx, 3, 4)
	require.NoError(t, err)

	m, err := svc.Append(ctx, conv.ID, 4, "  hello  ")
	require.NoError(t, err)
	require.Equal(t, "hello", m.Text)
	require.Equal(t, int64(4), m.SenderID)
	require.Equal(t, conv.ID, m.ConversationID)

	_, err = svc.Append(ctx, conv.ID, 4, strings.Repeat("x", MaxMessageChars))
	require.NoError(t, err)
}

func TestService_Append_StoreFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &failingStore{InMemoryStore: NewInMemoryStore(), failAppend: true}
	svc := newTestService(t, store)

	conv, err := svc.FindOrCreate(ctx, 3, 4)
	require.NoError(t, err)

	_, err = svc.Append(ctx, conv.ID, 3, "hello")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	var opErr OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, "chat.Append", opErr.Op)
}

func TestService_ListMessages_Paging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t, NewInMemoryStore())

	conv, err := svc.FindOrCreate(ctx, 3, 4)
	require.NoError(t, err)
	for range 5 {
		_, err := svc.Append(ctx, conv.ID, 3, "x")
		require.NoError(t, err)
	}

	page, err := svc.ListMessages(ctx, conv.ID, nil, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.True(t, page.HasMore)

	after := page.Messages[1].ID
	rest, err := svc.ListMessages(ctx, conv.ID, &after, 10)
	require.NoError(t, err)
	require.Len(t, rest.Messages, 3)
	require.False(t, rest.HasMore)
	require.Greater(t, rest.Messages[0].ID, after)

	_, err = svc.ListMessages(ctx, conv.ID+1, nil, 10)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_ListByConversation_SpansPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t, NewInMemoryStore())

	conv, err := svc.FindOrCreate(ctx, 3, 4)
	require.NoError(t, err)

	const n = maxPageLimit*2 + 7
	for range n {
		_, err := svc.Append(ctx, conv.ID, 4, "x")
		require.NoError(t, err)
	}

	history, err := svc.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, n)
}

func TestService_ListConversations_Order(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Minute) }
	svc := newTestService(t, NewInMemoryStore(), WithClock(clock))

	withNine, err := svc.FindOrCreate(ctx, 7, 9)
	require.NoError(t, err)
	withThree, err := svc.FindOrCreate(ctx, 3, 7)
	require.NoError(t, err)
	silent, err := svc.FindOrCreate(ctx, 7, 11)
	require.NoError(t, err)

	_, err = svc.Append(ctx, withThree.ID, 3, "older")
	require.NoError(t, err)
	_, err = svc.Append(ctx, withNine.ID, 9, "newer")
	require.NoError(t, err)

	got, err := svc.ListConversations(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, withNine.ID, got[0].ConversationID)
	require.Equal(t, int64(9), got[0].PartnerID)
	require.NotNil(t, got[0].LastMessage)
	require.Equal(t, "newer", *got[0].LastMessage)

	require.Equal(t, withThree.ID, got[1].ConversationID)
	require.Equal(t, int64(3), got[1].PartnerID)

	require.Equal(t, silent.ID, got[2].ConversationID)
	require.Nil(t, got[2].LastMessage)
	require.Nil(t, got[2].LastMessageDate)

	none, err := svc.ListConversations(ctx, 42)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestReason(t *testing.T) {
	t.Parallel()

	require.Equal(t, ReasonInvalidParticipants, Reason(OpError{Op: "x", Kind: ErrInvalidParticipants}))
	require.Equal(t, ReasonInvalidMessage, Reason(OpError{Op: "x", Kind: ErrInvalidMessage}))
	require.Equal(t, ReasonStoreUnavailable, Reason(OpError{Op: "x", Kind: ErrStoreUnavailable}))
	require.Equal(t, ReasonNotFound, Reason(ErrNotFound))
	require.Equal(t, ReasonInternal, Reason(errors.New("boom")))
	require.True(t, IsInvalidInput(OpError{Op: "x", Kind: ErrInvalidMessage}))
	require.False(t, IsInvalidInput(ErrStoreUnavailable))
}

// countingStore counts every store call.
type countingStore struct {
	*InMemoryStore
	calls atomic.Int32
}

func (s *countingStore) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	s.calls.Add(1)
	return s.InMemoryStore.FindConversation(ctx, pair)
}

func (s *countingStore) CreateConversation(ctx context.Context, pair Pair, now time.Time) (Conversation, error) {
	s.calls.Add(1)
	return s.InMemoryStore.CreateConversation(ctx, pair, now)
}

// raceStore holds the first two lookups until both have missed, forcing a create race.
type raceStore struct {
	*InMemoryStore
	arrive  sync.WaitGroup
	lookups atomic.Int32
}

func newRaceStore() *raceStore {
	s := &raceStore{InMemoryStore: NewInMemoryStore()}
	s.arrive.Add(2)
	return s
}

func (s *raceStore) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	c, err := s.InMemoryStore.FindConversation(ctx, pair)
	if s.lookups.Add(1) <= 2 {
		s.arrive.Done()
		s.arrive.Wait()
	}
	return c, err
}

type failingStore struct {
	*InMemoryStore
	failFind   bool
	failAppend bool
}

func (s *failingStore) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	if s.failFind {
		return Conversation{}, errors.New("connection refused")
	}
	return s.InMemoryStore.FindConversation(ctx, pair)
}

func (s *failingStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if s.failAppend {
		return Message{}, errors.New("connection refused")
	}
	return s.InMemoryStore.AppendMessage(ctx, in)
}
