package app

import (
	"strings"

	"github.com/ben1maru/tutors-finders-server/cmd/identity"
)

// newVerifier returns the token verifier for cfg.AuthMode, or nil for "none".
func newVerifier(cfg Config) (identity.Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.AuthMode)) {
	case AuthModeJWT:
		v, err := identity.NewJWTVerifier(identity.JWTConfig{
			Secret:    cfg.JWTSecret,
			Issuer:    cfg.TokenIssuer,
			ClockSkew: cfg.TokenClockSkew,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	case AuthModePaseto:
		v, err := identity.NewPasetoVerifier(identity.PasetoConfig{
			PublicKeyHex: cfg.PasetoPublicKey,
			Issuer:       cfg.TokenIssuer,
			ClockSkew:    cfg.TokenClockSkew,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, nil
	}
}
