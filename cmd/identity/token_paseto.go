package identity

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoConfig configures PASETO v4.public identity tokens.
type PasetoConfig struct {
	// PublicKeyHex verifies tokens. Required unless SecretKeyHex is set.
	PublicKeyHex string
	// SecretKeyHex enables Issue (dev tooling and tests); its public half verifies.
	SecretKeyHex string
	Issuer       string
	TTL          time.Duration
	ClockSkew    time.Duration
}

// PasetoVerifier verifies v4.public tokens carrying "uid" and "role" claims.
type PasetoVerifier struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
	public   paseto.V4AsymmetricPublicKey
}

// NewPasetoVerifier builds a PasetoVerifier.
func NewPasetoVerifier(cfg PasetoConfig) (*PasetoVerifier, error) {
	v := &PasetoVerifier{
		issuer:    strings.TrimSpace(cfg.Issuer),
		ttl:       cfg.TTL,
		clockSkew: cfg.ClockSkew,
	}
	if v.ttl <= 0 {
		v.ttl = 15 * time.Minute
	}

	switch {
	case strings.TrimSpace(cfg.SecretKeyHex) != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.SecretKeyHex))
		if err != nil {
			return nil, OpError{Op: "identity.NewPasetoVerifier", Kind: ErrConfig, Msg: "invalid secret key"}
		}
		v.secret = secret
		v.canIssue = true
		v.public = secret.Public()
	case strings.TrimSpace(cfg.PublicKeyHex) != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PublicKeyHex))
		if err != nil {
			return nil, OpError{Op: "identity.NewPasetoVerifier", Kind: ErrConfig, Msg: "invalid public key"}
		}
		v.public = public
	default:
		return nil, OpError{Op: "identity.NewPasetoVerifier", Kind: ErrConfig, Msg: "missing key"}
	}
	return v, nil
}

// PublicKeyHex returns the verification key.
func (v *PasetoVerifier) PublicKeyHex() string { return v.public.ExportHex() }

// Issue signs a token for p. It requires a secret key.
func (v *PasetoVerifier) Issue(p Principal, now time.Time) (string, error) {
	if !v.canIssue {
		return "", OpError{Op: "identity.PasetoVerifier.Issue", Kind: ErrConfig, Msg: "verify-only key"}
	}
	if !p.Valid() {
		return "", OpError{Op: "identity.PasetoVerifier.Issue", Kind: ErrInvalidInput, Msg: "invalid principal"}
	}

	tok := paseto.NewToken()
	if v.issuer != "" {
		tok.SetIssuer(v.issuer)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(v.ttl))

	if err := tok.Set("uid", p.UserID); err != nil {
		return "", err
	}
	tok.SetString("role", normalizeRole(p.Role))

	return tok.V4Sign(v.secret, nil), nil
}

// Verify parses token and returns its principal.
func (v *PasetoVerifier) Verify(token string, now time.Time) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}

	// Validate slightly in the future to tolerate "nbf" drift between hosts.
	validNow := now.Add(v.clockSkew)

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	if v.issuer != "" {
		p.AddRule(paseto.IssuedBy(v.issuer))
	}
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}

	var uid int64
	if err := parsed.Get("uid", &uid); err != nil || uid <= 0 {
		return Principal{}, ErrInvalidToken
	}
	role, _ := parsed.GetString("role")

	return Principal{UserID: uid, Role: normalizeRole(role)}, nil
}
