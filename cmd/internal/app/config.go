package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable read by LoadConfig (TUTORS_HTTP_ADDR, ...).
const EnvPrefix = "tutors"

// Auth modes accepted by TUTORS_AUTH_MODE.
const (
	AuthModeNone   = "none"
	AuthModeJWT    = "jwt"
	AuthModePaseto = "paseto"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `envconfig:"http_addr" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"log_level" default:"info"`
	LogFormat string `envconfig:"log_format" default:"json"`
	LogColor  bool   `envconfig:"log_color" default:"false"`

	ReadHeaderTimeout time.Duration `envconfig:"http_read_header_timeout" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"http_read_timeout" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"http_write_timeout" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"http_idle_timeout" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"http_max_header_bytes" default:"1048576"`

	// Empty DatabaseURL selects the in-memory chat store.
	DatabaseURL string `envconfig:"database_url"`
	DBSchema    string `envconfig:"db_schema" default:"public"`
	DBMaxConns  int32  `envconfig:"db_max_conns" default:"10"`
	DBMinConns  int32  `envconfig:"db_min_conns" default:"0"`
	// DBAutoMigrate creates the chat tables on startup.
	DBAutoMigrate bool `envconfig:"db_auto_migrate" default:"false"`
	// UsersTable is the account service table read for display names.
	UsersTable string `envconfig:"users_table" default:"users"`

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `envconfig:"readiness_require_db" default:"false"`

	// Empty RedisURL keeps presence local to this process.
	RedisURL       string `envconfig:"redis_url"`
	RedisKeyPrefix string `envconfig:"redis_key_prefix" default:"tutors"`
	// InstanceID names this process in the shared presence directory (random when empty).
	InstanceID string `envconfig:"instance_id"`

	AuthMode        string        `envconfig:"auth_mode" default:"none"`
	RequireAuth     bool          `envconfig:"require_auth" default:"false"`
	JWTSecret       string        `envconfig:"jwt_secret"`
	PasetoPublicKey string        `envconfig:"paseto_public_key"`
	TokenIssuer     string        `envconfig:"token_issuer"`
	TokenClockSkew  time.Duration `envconfig:"token_clock_skew" default:"30s"`

	WSOriginRequired bool     `envconfig:"ws_origin_required" default:"true"`
	WSAllowedOrigins []string `envconfig:"ws_allowed_origins" default:"http://localhost,http://127.0.0.1"`
	WSDevInsecure    bool     `envconfig:"ws_dev_insecure" default:"false"`
	WSSendQueueSize  int      `envconfig:"ws_send_queue_size" default:"256"`

	CORSAllowedOrigins   []string `envconfig:"cors_allowed_origins"`
	CORSAllowCredentials bool     `envconfig:"cors_allow_credentials" default:"false"`
	CORSMaxAgeSeconds    int      `envconfig:"cors_max_age_seconds" default:"600"`
}

// LoadConfig loads Config from the environment after reading an optional .env file.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
