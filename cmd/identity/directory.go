package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves display names for user ids.
// Unknown ids are simply absent from the result.
type Directory interface {
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// MapDirectory is an in-memory Directory (dev mode and tests).
type MapDirectory struct {
	mu    sync.RWMutex
	names map[int64]string
}

// NewMapDirectory returns a MapDirectory seeded with names.
func NewMapDirectory(names map[int64]string) *MapDirectory {
	d := &MapDirectory{names: make(map[int64]string, len(names))}
	for id, n := range names {
		d.names[id] = n
	}
	return d
}

// Set records a display name.
func (d *MapDirectory) Set(id int64, name string) {
	d.mu.Lock()
	d.names[id] = name
	d.mu.Unlock()
}

// DisplayNames implements Directory.
func (d *MapDirectory) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if n, ok := d.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// PostgresDirectory reads display names from the account service's users table.
//
// The pool is owned by the caller.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// DirectoryOption configures PostgresDirectory.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the schema holding the users table (default: "public").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentIsValid(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// WithDirectoryTable sets the users table name (default: "users").
func WithDirectoryTable(table string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		table = strings.TrimSpace(table)
		if !pgIdentIsValid(table) {
			return errors.New("identity: invalid table identifier")
		}
		d.table = table
		return nil
	}
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: "public", table: "users"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return d, nil
}

// DisplayNames implements Directory using users(id, full_name).
func (d *PostgresDirectory) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	users := pgIdent(d.schema, d.table)

	rows, err := d.pool.Query(ctx,
		`SELECT id, COALESCE(full_name, '') FROM `+users+` WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query display names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}
