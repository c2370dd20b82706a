package identity

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestMapDirectory(t *testing.T) {
	t.Parallel()

	d := NewMapDirectory(map[int64]string{7: "Olena"})
	d.Set(9, "Taras")

	got, err := d.DisplayNames(context.Background(), []int64{7, 9, 3})
	require.NoError(t, err)
	require.Equal(t, map[int64]string{7: "Olena", 9: "Taras"}, got)
}

// Integration test is enabled when TUTORS_TEST_DATABASE_URL is set.
func TestPostgresDirectory_DisplayNames(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("TUTORS_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TUTORS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	require.NoError(t, err)
	defer pool.Close()

	schema := "tutors_dir_it_" + strings.ToLower(ulid.Make().String())
	_, err = pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize())
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	users := pgIdent(schema, "users")
	_, err = pool.Exec(ctx, `CREATE TABLE `+users+` (id BIGINT PRIMARY KEY, full_name TEXT)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO `+users+` (id, full_name) VALUES (7, 'Olena'), (9, NULL)`)
	require.NoError(t, err)

	d, err := NewPostgresDirectory(pool, WithDirectorySchema(schema))
	require.NoError(t, err)

	got, err := d.DisplayNames(ctx, []int64{7, 9, 3})
	require.NoError(t, err)
	require.Equal(t, map[int64]string{7: "Olena", 9: ""}, got)

	empty, err := d.DisplayNames(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}
