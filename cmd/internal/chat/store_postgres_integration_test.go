package chat

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when TUTORS_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_CreateConversation_PairUnique(t *testing.T) {
	t.Parallel()

	store := mustNewIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pair := Pair{Low: 7, High: 9}

	created, err := store.CreateConversation(ctx, pair, time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID <= 0 {
		t.Fatalf("create: expected positive id, got %d", created.ID)
	}

	if _, err := store.CreateConversation(ctx, pair, time.Now().UTC()); !errors.Is(err, ErrConflict) {
		t.Fatalf("create duplicate: expected ErrConflict, got %v", err)
	}

	found, err := store.FindConversation(ctx, pair)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("find: id mismatch: created=%d found=%d", created.ID, found.ID)
	}

	if _, err := store.FindConversation(ctx, Pair{Low: 1, High: 2}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find missing: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetConversation(ctx, created.ID+1000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ServiceConcurrentFindOrCreate(t *testing.T) {
	t.Parallel()

	store := mustNewIntegrationStore(t)
	svc := NewService(store)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const n = 16

	var wg sync.WaitGroup
	ids := make([]int64, n)
	errs := make([]error, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, b := int64(3), int64(4)
			if i%2 == 1 {
				a, b = b, a
			}
			c, err := svc.FindOrCreate(ctx, a, b)
			ids[i], errs[i] = c.ID, err
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("find or create %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("find or create %d: id=%d want=%d", i, ids[i], ids[0])
		}
	}
}

func TestPostgresStore_ConcurrentAppend_Ordered(t *testing.T) {
	t.Parallel()

	store := mustNewIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	conv, err := store.CreateConversation(ctx, Pair{Low: 7, High: 9}, time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 32

	var wg sync.WaitGroup
	errCh := make(chan error, n)

	base := time.Now().UTC()
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()

			sender := int64(7)
			if i%2 == 1 {
				sender = 9
			}
			// Skewed clocks: later appends may carry earlier timestamps.
			_, err := store.AppendMessage(ctx, AppendMessageInput{
				ConversationID: conv.ID,
				SenderID:       sender,
				Text:           "m",
				Now:            base.Add(-time.Duration(i) * time.Millisecond),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent append error: %v", err)
	}

	out, err := store.ListMessages(ctx, ListMessagesInput{ConversationID: conv.ID, Limit: 200})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out.Messages) != n {
		t.Fatalf("expected %d messages, got %d", n, len(out.Messages))
	}
	if out.HasMore {
		t.Fatalf("expected HasMore=false")
	}
	for i := 1; i < len(out.Messages); i++ {
		prev, cur := out.Messages[i-1], out.Messages[i]
		if cur.ID <= prev.ID {
			t.Fatalf("ids not increasing at %d: %d <= %d", i, cur.ID, prev.ID)
		}
		if cur.CreatedAt.Before(prev.CreatedAt) {
			t.Fatalf("created_at went backwards at %d", i)
		}
	}

	after := out.Messages[n-4].ID
	tail, err := store.ListMessages(ctx, ListMessagesInput{ConversationID: conv.ID, AfterID: &after, Limit: 2})
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(tail.Messages) != 2 || !tail.HasMore {
		t.Fatalf("list after: got %d messages has_more=%v", len(tail.Messages), tail.HasMore)
	}
	if tail.Messages[0].ID != out.Messages[n-3].ID {
		t.Fatalf("list after: first id=%d want=%d", tail.Messages[0].ID, out.Messages[n-3].ID)
	}
}

func TestPostgresStore_AppendMessage_RejectsOutsider(t *testing.T) {
	t.Parallel()

	store := mustNewIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, err := store.CreateConversation(ctx, Pair{Low: 7, High: 9}, time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID, SenderID: 3, Text: "hi"})
	if !errors.Is(err, ErrInvalidParticipants) {
		t.Fatalf("outsider append: expected ErrInvalidParticipants, got %v", err)
	}

	_, err = store.AppendMessage(ctx, AppendMessageInput{ConversationID: conv.ID + 1000, SenderID: 7, Text: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation append: expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListConversations(t *testing.T) {
	t.Parallel()

	store := mustNewIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	older, err := store.CreateConversation(ctx, Pair{Low: 3, High: 7}, now)
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	newer, err := store.CreateConversation(ctx, Pair{Low: 7, High: 9}, now)
	if err != nil {
		t.Fatalf("create newer: %v", err)
	}
	silent, err := store.CreateConversation(ctx, Pair{Low: 7, High: 11}, now)
	if err != nil {
		t.Fatalf("create silent: %v", err)
	}

	if _, err := store.AppendMessage(ctx, AppendMessageInput{ConversationID: older.ID, SenderID: 3, Text: "first", Now: now}); err != nil {
		t.Fatalf("append older: %v", err)
	}
	if _, err := store.AppendMessage(ctx, AppendMessageInput{ConversationID: newer.ID, SenderID: 9, Text: "second", Now: now.Add(time.Minute)}); err != nil {
		t.Fatalf("append newer: %v", err)
	}

	got, err := store.ListConversations(ctx, 7)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(got))
	}
	if got[0].ConversationID != newer.ID || got[0].PartnerID != 9 {
		t.Fatalf("first summary mismatch: %+v", got[0])
	}
	if got[0].LastMessage == nil || *got[0].LastMessage != "second" {
		t.Fatalf("first summary last message mismatch")
	}
	if got[1].ConversationID != older.ID || got[1].PartnerID != 3 {
		t.Fatalf("second summary mismatch: %+v", got[1])
	}
	if got[2].ConversationID != silent.ID || got[2].LastMessage != nil {
		t.Fatalf("third summary mismatch: %+v", got[2])
	}
}

// ---- test helpers ----

func mustNewIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TUTORS_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TUTORS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse TUTORS_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "tutors_it_" + strings.ToLower(ulid.Make().String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
