package realtime

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ben1maru/tutors-finders-server/cmd/identity"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(id string) *Client {
	return NewClient(id, identity.Principal{}, 8)
}

func TestPresence_AnnounceResolveRemove(t *testing.T) {
	t.Parallel()

	p := NewPresence(discardLogger())
	h7 := newTestClient("h7")

	_, ok := p.Resolve(7)
	require.False(t, ok)

	p.Announce(7, h7)
	got, ok := p.Resolve(7)
	require.True(t, ok)
	require.Same(t, h7, got)

	// Idempotent.
	res := p.Announce(7, h7)
	require.Nil(t, res.Replaced)
	require.Zero(t, res.Released)
	require.Equal(t, 1, p.Len())

	userID, ok := p.Remove(h7)
	require.True(t, ok)
	require.Equal(t, int64(7), userID)

	_, ok = p.Resolve(7)
	require.False(t, ok)

	_, ok = p.Remove(h7)
	require.False(t, ok, "second remove is a no-op")
}

func TestPresence_LastWriterWins_StaleRemoveKeepsNewer(t *testing.T) {
	t.Parallel()

	p := NewPresence(discardLogger())
	old, newer := newTestClient("old"), newTestClient("new")

	p.Announce(7, old)
	res := p.Announce(7, newer)
	require.Same(t, old, res.Replaced)

	got, ok := p.Resolve(7)
	require.True(t, ok)
	require.Same(t, newer, got)

	_, ok = p.Remove(old)
	require.False(t, ok)

	got, ok = p.Resolve(7)
	require.True(t, ok)
	require.Same(t, newer, got)
}

func TestPresence_ReannounceAsOtherUserReleasesPrevious(t *testing.T) {
	t.Parallel()

	p := NewPresence(discardLogger())
	h := newTestClient("h")

	p.Announce(7, h)
	res := p.Announce(9, h)
	require.Equal(t, int64(7), res.Released)

	_, ok := p.Resolve(7)
	require.False(t, ok)
	got, ok := p.Resolve(9)
	require.True(t, ok)
	require.Same(t, h, got)
	require.ElementsMatch(t, []int64{9}, p.Users())
}

func TestPresence_RemoveUnknownHandle(t *testing.T) {
	t.Parallel()

	p := NewPresence(discardLogger())
	_, ok := p.Remove(newTestClient("ghost"))
	require.False(t, ok)
	_, ok = p.Remove(nil)
	require.False(t, ok)
}

func TestPresence_Concurrent(t *testing.T) {
	t.Parallel()

	p := NewPresence(discardLogger())

	const users = 64

	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uid := int64(i + 1)
			c := newTestClient(fmt.Sprintf("c%d", i))
			p.Announce(uid, c)
			_, _ = p.Resolve(uid)
			if i%2 == 0 {
				p.Remove(c)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, users/2, p.Len())
	for i := range users {
		_, ok := p.Resolve(int64(i + 1))
		require.Equal(t, i%2 == 1, ok, "user %d", i+1)
	}
}
