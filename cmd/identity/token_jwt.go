package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures HS256 identity tokens as issued by the account service.
type JWTConfig struct {
	// Secret is the shared HMAC key.
	Secret string
	// Issuer, when set, must match the "iss" claim.
	Issuer string
	// TTL is used by Issue (dev tooling and tests).
	TTL time.Duration
	// ClockSkew is tolerated on exp/nbf/iat checks.
	ClockSkew time.Duration
}

// jwtClaims mirrors the account service payload: {"id": <user id>, "role": "..."}.
type jwtClaims struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies (and for tooling, issues) HS256 identity tokens.
type JWTVerifier struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
}

// NewJWTVerifier builds a JWTVerifier.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < 16 {
		return nil, OpError{Op: "identity.NewJWTVerifier", Kind: ErrConfig, Msg: "secret must be at least 16 bytes"}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTVerifier{
		secret:    []byte(secret),
		issuer:    strings.TrimSpace(cfg.Issuer),
		ttl:       ttl,
		clockSkew: cfg.ClockSkew,
	}, nil
}

// Issue signs a token for p. Production tokens come from the account service.
func (v *JWTVerifier) Issue(p Principal, now time.Time) (string, error) {
	if !p.Valid() {
		return "", OpError{Op: "identity.JWTVerifier.Issue", Kind: ErrInvalidInput, Msg: "invalid principal"}
	}
	claims := jwtClaims{
		ID:   p.UserID,
		Role: normalizeRole(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses token and returns its principal.
// Every failure is reported as ErrInvalidToken so callers cannot probe why.
func (v *JWTVerifier) Verify(token string, now time.Time) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwtClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, OpError{Op: "identity.JWTVerifier.Verify", Kind: ErrInvalidToken, Msg: "expired"}
		}
		return Principal{}, ErrInvalidToken
	}
	if claims.ID <= 0 {
		return Principal{}, ErrInvalidToken
	}

	return Principal{UserID: claims.ID, Role: normalizeRole(claims.Role)}, nil
}
