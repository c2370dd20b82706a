package identity

import (
	"context"
	"strconv"
	"strings"
)

// Marketplace roles carried in identity tokens.
const (
	RoleStudent = "student"
	RoleTutor   = "tutor"
	RoleAdmin   = "admin"
)

// Principal is the authenticated caller behind an HTTP request or WebSocket connection.
type Principal struct {
	UserID int64
	Role   string
}

// IsStudent reports whether the principal acts as a student.
func (p Principal) IsStudent() bool { return p.Role == RoleStudent }

// Valid reports whether the principal identifies a user.
func (p Principal) Valid() bool { return p.UserID > 0 }

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Valid()
}

// ParseUserID parses a positive decimal user id.
func ParseUserID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, OpError{Op: "identity.ParseUserID", Kind: ErrInvalidInput, Msg: "empty id"}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, OpError{Op: "identity.ParseUserID", Kind: ErrInvalidInput, Msg: "id must be a positive integer"}
	}
	return id, nil
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
