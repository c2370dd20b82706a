package app

import (
	"errors"
	"fmt"
	"strings"
)

const minJWTSecretBytes = 32

// ValidateConfig enforces the startup security policy.
//
// Fail fast: an auth setting that cannot be honored must stop the process, never
// silently fall back to trusting clients.
func ValidateConfig(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.AuthMode)) {
	case AuthModeNone, "":
		if cfg.RequireAuth {
			return errors.New("security policy: TUTORS_REQUIRE_AUTH=true needs TUTORS_AUTH_MODE=jwt or paseto")
		}
	case AuthModeJWT:
		// Bytes, not runes: the secret is used as a raw HMAC key.
		if len(cfg.JWTSecret) < minJWTSecretBytes {
			return fmt.Errorf("security policy: TUTORS_JWT_SECRET must be at least %d bytes", minJWTSecretBytes)
		}
	case AuthModePaseto:
		if strings.TrimSpace(cfg.PasetoPublicKey) == "" {
			return errors.New("security policy: TUTORS_AUTH_MODE=paseto but TUTORS_PASETO_PUBLIC_KEY is missing")
		}
	default:
		return fmt.Errorf("config: unknown TUTORS_AUTH_MODE %q", cfg.AuthMode)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "", "json", "text", "pretty":
	default:
		return fmt.Errorf("config: unknown TUTORS_LOG_FORMAT %q", cfg.LogFormat)
	}

	if cfg.WSOriginRequired && len(cfg.WSAllowedOrigins) == 0 && !cfg.WSDevInsecure {
		return errors.New("security policy: TUTORS_WS_ORIGIN_REQUIRED=true needs TUTORS_WS_ALLOWED_ORIGINS")
	}
	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				return errors.New("security policy: CORS credentials cannot be combined with a wildcard origin")
			}
		}
	}
	return nil
}
