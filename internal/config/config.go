package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr is the default TCP address the HTTP and WebSocket server listens on.
	DefaultAddr = ":8080"
	// DefaultGRPCAddr is the default address of the spectator stream. Empty disables it.
	DefaultGRPCAddr = ""
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 4 << 10

	// DefaultCookieName is the cookie carrying the session credential.
	DefaultCookieName = "token"
	// DefaultTokenTTL is the lifetime of tokens minted by the token command.
	DefaultTokenTTL = 10 * time.Minute

	// DefaultDBDriver selects the embedded SQLite store.
	DefaultDBDriver = "sqlite3"
	// DefaultDBDSN points at a local SQLite file.
	DefaultDBDSN = "file:arena.db?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"

	// DefaultTickRate is the simulation frequency in Hz.
	DefaultTickRate = 60.0
	// DefaultWinningScore ends a match when either side reaches it.
	DefaultWinningScore = 7
	// DefaultForfeitGrace is how long a side may stay offline before forfeiting.
	DefaultForfeitGrace = 6 * time.Second
	// DefaultServePause freezes the ball after a point is scored.
	DefaultServePause = time.Second
	// DefaultMatchWaitTimeout bounds how long a connection waits for its match to appear.
	DefaultMatchWaitTimeout = 30 * time.Second
	// DefaultMatchWaitPoll is the cadence of waiting status messages.
	DefaultMatchWaitPoll = time.Second

	// DefaultTournamentPendingWindow cancels tournaments that never fill up.
	DefaultTournamentPendingWindow = 5 * time.Minute
	// DefaultTournamentPollInterval is the fallback cadence of stage waiters.
	DefaultTournamentPollInterval = time.Second
	// DefaultInviteTTL expires direct invites nobody answered.
	DefaultInviteTTL = 24 * time.Hour
	// DefaultInviteSweepInterval controls how often stale invites are expired.
	DefaultInviteSweepInterval = 10 * time.Minute

	// DefaultReplayMaxMatches caps retained replay archives.
	DefaultReplayMaxMatches = 200
	// DefaultReplayMaxAge removes archives older than this.
	DefaultReplayMaxAge = 7 * 24 * time.Hour
	// DefaultReplaySweepInterval controls retention sweeps.
	DefaultReplaySweepInterval = time.Hour

	// DefaultLedgerTimeout bounds a single ledger request.
	DefaultLedgerTimeout = 5 * time.Second

	// DefaultSpectatorRateHz caps frames per second on the spectator stream.
	DefaultSpectatorRateHz = 20.0

	// DefaultHTTPRate is the sustained per-IP request rate for the REST API.
	DefaultHTTPRate = 10.0
	// DefaultHTTPBurst is the per-IP burst for the REST API.
	DefaultHTTPBurst = 20
	// DefaultInputRate is the sustained per-connection input action rate.
	DefaultInputRate = 40.0
	// DefaultInputBurst is the per-connection input burst.
	DefaultInputBurst = 20
	// DefaultConnectRate is the sustained per-user socket connection rate.
	DefaultConnectRate = 1.0
	// DefaultConnectBurst is the per-user socket connection burst.
	DefaultConnectBurst = 10

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "arena.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the arena server.
type Config struct {
	Address         string           `yaml:"address"`
	AllowedOrigins  []string         `yaml:"allowed_origins"`
	MaxPayloadBytes int64            `yaml:"max_payload_bytes"`
	PingInterval    time.Duration    `yaml:"ping_interval"`
	Auth            AuthConfig       `yaml:"auth"`
	Database        DatabaseConfig   `yaml:"database"`
	Game            GameConfig       `yaml:"game"`
	Tournament      TournamentConfig `yaml:"tournament"`
	Notify          NotifyConfig     `yaml:"notify"`
	Replay          ReplayConfig     `yaml:"replay"`
	Ledger          LedgerConfig     `yaml:"ledger"`
	GRPC            GRPCConfig       `yaml:"grpc"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit"`
	Logging         LoggingConfig    `yaml:"logging"`
}

// AuthConfig configures session credential validation.
type AuthConfig struct {
	Secret     string        `yaml:"secret"`
	CookieName string        `yaml:"cookie_name"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// GameConfig holds match timing and scoring parameters.
type GameConfig struct {
	TickRate         float64       `yaml:"tick_rate"`
	WinningScore     int           `yaml:"winning_score"`
	ForfeitGrace     time.Duration `yaml:"forfeit_grace"`
	ServePause       time.Duration `yaml:"serve_pause"`
	MatchWaitTimeout time.Duration `yaml:"match_wait_timeout"`
	MatchWaitPoll    time.Duration `yaml:"match_wait_poll"`
}

// TournamentConfig holds bracket timing parameters.
type TournamentConfig struct {
	PendingWindow       time.Duration `yaml:"pending_window"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	InviteTTL           time.Duration `yaml:"invite_ttl"`
	InviteSweepInterval time.Duration `yaml:"invite_sweep_interval"`
}

// NotifyConfig selects the notification bus backend. Empty NATSURL keeps delivery in-process.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// ReplayConfig configures match archives. Empty Dir disables archiving.
type ReplayConfig struct {
	Dir           string        `yaml:"dir"`
	MaxMatches    int           `yaml:"max_matches"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LedgerConfig configures the external result ledger. Empty URL disables recording.
type LedgerConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// GRPCConfig configures the spectator stream listener and its transport security.
type GRPCConfig struct {
	Address      string  `yaml:"address"`
	SharedSecret string  `yaml:"shared_secret"`
	TLSCertPath  string  `yaml:"tls_cert"`
	TLSKeyPath   string  `yaml:"tls_key"`
	ClientCAPath string  `yaml:"client_ca"`
	StreamRateHz float64 `yaml:"stream_rate_hz"`
}

// RateLimitConfig bounds request and input rates.
type RateLimitConfig struct {
	HTTPRate     float64 `yaml:"http_rate"`
	HTTPBurst    int     `yaml:"http_burst"`
	InputRate    float64 `yaml:"input_rate"`
	InputBurst   int     `yaml:"input_burst"`
	ConnectRate  float64 `yaml:"connect_rate"`
	ConnectBurst int     `yaml:"connect_burst"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when neither a file nor the environment overrides a value.
func Default() *Config {
	return &Config{
		Address:         DefaultAddr,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		Auth: AuthConfig{
			CookieName: DefaultCookieName,
			TokenTTL:   DefaultTokenTTL,
		},
		Database: DatabaseConfig{Driver: DefaultDBDriver, DSN: DefaultDBDSN},
		Game: GameConfig{
			TickRate:         DefaultTickRate,
			WinningScore:     DefaultWinningScore,
			ForfeitGrace:     DefaultForfeitGrace,
			ServePause:       DefaultServePause,
			MatchWaitTimeout: DefaultMatchWaitTimeout,
			MatchWaitPoll:    DefaultMatchWaitPoll,
		},
		Tournament: TournamentConfig{
			PendingWindow:       DefaultTournamentPendingWindow,
			PollInterval:        DefaultTournamentPollInterval,
			InviteTTL:           DefaultInviteTTL,
			InviteSweepInterval: DefaultInviteSweepInterval,
		},
		Replay: ReplayConfig{
			MaxMatches:    DefaultReplayMaxMatches,
			MaxAge:        DefaultReplayMaxAge,
			SweepInterval: DefaultReplaySweepInterval,
		},
		Ledger: LedgerConfig{Timeout: DefaultLedgerTimeout},
		GRPC:   GRPCConfig{Address: DefaultGRPCAddr, StreamRateHz: DefaultSpectatorRateHz},
		RateLimit: RateLimitConfig{
			HTTPRate:     DefaultHTTPRate,
			HTTPBurst:    DefaultHTTPBurst,
			InputRate:    DefaultInputRate,
			InputBurst:   DefaultInputBurst,
			ConnectRate:  DefaultConnectRate,
			ConnectBurst: DefaultConnectBurst,
		},
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load reads the configuration file named by ARENA_CONFIG (if any) and applies environment overrides.
func Load() (*Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("ARENA_CONFIG")))
}

// LoadFile layers defaults, the optional YAML file at path and ARENA_* environment variables,
// returning every invalid override in a single error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	//1.- Merge the YAML file over the defaults so unset keys keep their default values.
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	//2.- Apply environment overrides, collecting every problem instead of failing on the first.
	var problems []string
	cfg.Address = getString("ARENA_ADDR", cfg.Address)
	if origins := parseList(os.Getenv("ARENA_ALLOWED_ORIGINS")); origins != nil {
		cfg.AllowedOrigins = origins
	}
	envInt64(&problems, "ARENA_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	envDuration(&problems, "ARENA_PING_INTERVAL", &cfg.PingInterval)

	cfg.Auth.Secret = getString("ARENA_JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.CookieName = getString("ARENA_JWT_COOKIE", cfg.Auth.CookieName)
	envDuration(&problems, "ARENA_TOKEN_TTL", &cfg.Auth.TokenTTL)

	cfg.Database.Driver = getString("ARENA_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getString("ARENA_DB_DSN", cfg.Database.DSN)

	envFloat(&problems, "ARENA_TICK_RATE", &cfg.Game.TickRate)
	envInt(&problems, "ARENA_WINNING_SCORE", &cfg.Game.WinningScore, false)
	envDuration(&problems, "ARENA_FORFEIT_GRACE", &cfg.Game.ForfeitGrace)
	envDuration(&problems, "ARENA_SERVE_PAUSE", &cfg.Game.ServePause)
	envDuration(&problems, "ARENA_MATCH_WAIT_TIMEOUT", &cfg.Game.MatchWaitTimeout)
	envDuration(&problems, "ARENA_MATCH_WAIT_POLL", &cfg.Game.MatchWaitPoll)

	envDuration(&problems, "ARENA_TOURNAMENT_PENDING_WINDOW", &cfg.Tournament.PendingWindow)
	envDuration(&problems, "ARENA_TOURNAMENT_POLL_INTERVAL", &cfg.Tournament.PollInterval)
	envDuration(&problems, "ARENA_INVITE_TTL", &cfg.Tournament.InviteTTL)
	envDuration(&problems, "ARENA_INVITE_SWEEP_INTERVAL", &cfg.Tournament.InviteSweepInterval)

	cfg.Notify.NATSURL = getString("ARENA_NATS_URL", cfg.Notify.NATSURL)

	cfg.Replay.Dir = getString("ARENA_REPLAY_DIR", cfg.Replay.Dir)
	envInt(&problems, "ARENA_REPLAY_MAX_MATCHES", &cfg.Replay.MaxMatches, true)
	envDuration(&problems, "ARENA_REPLAY_MAX_AGE", &cfg.Replay.MaxAge)
	envDuration(&problems, "ARENA_REPLAY_SWEEP_INTERVAL", &cfg.Replay.SweepInterval)

	cfg.Ledger.URL = getString("ARENA_LEDGER_URL", cfg.Ledger.URL)
	cfg.Ledger.Token = getString("ARENA_LEDGER_TOKEN", cfg.Ledger.Token)
	envDuration(&problems, "ARENA_LEDGER_TIMEOUT", &cfg.Ledger.Timeout)

	cfg.GRPC.Address = getString("ARENA_GRPC_ADDR", cfg.GRPC.Address)
	cfg.GRPC.SharedSecret = getString("ARENA_GRPC_SHARED_SECRET", cfg.GRPC.SharedSecret)
	cfg.GRPC.TLSCertPath = getString("ARENA_GRPC_TLS_CERT", cfg.GRPC.TLSCertPath)
	cfg.GRPC.TLSKeyPath = getString("ARENA_GRPC_TLS_KEY", cfg.GRPC.TLSKeyPath)
	cfg.GRPC.ClientCAPath = getString("ARENA_GRPC_CLIENT_CA", cfg.GRPC.ClientCAPath)
	envFloat(&problems, "ARENA_SPECTATOR_RATE_HZ", &cfg.GRPC.StreamRateHz)

	envFloat(&problems, "ARENA_HTTP_RATE", &cfg.RateLimit.HTTPRate)
	envInt(&problems, "ARENA_HTTP_BURST", &cfg.RateLimit.HTTPBurst, false)
	envFloat(&problems, "ARENA_INPUT_RATE", &cfg.RateLimit.InputRate)
	envInt(&problems, "ARENA_INPUT_BURST", &cfg.RateLimit.InputBurst, false)
	envFloat(&problems, "ARENA_CONNECT_RATE", &cfg.RateLimit.ConnectRate)
	envInt(&problems, "ARENA_CONNECT_BURST", &cfg.RateLimit.ConnectBurst, false)

	cfg.Logging.Level = getString("ARENA_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Path = getString("ARENA_LOG_PATH", cfg.Logging.Path)
	envInt(&problems, "ARENA_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, false)
	envInt(&problems, "ARENA_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, true)
	envInt(&problems, "ARENA_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, true)
	if raw := strings.TrimSpace(os.Getenv("ARENA_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ARENA_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	//3.- Cross-field checks run last so they see the merged values.
	problems = append(problems, cfg.validate()...)
	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func (c *Config) validate() []string {
	var problems []string
	if c.Game.WinningScore <= 0 {
		problems = append(problems, "ARENA_WINNING_SCORE must be positive")
	}
	if c.Game.MatchWaitPoll > c.Game.MatchWaitTimeout {
		problems = append(problems, "ARENA_MATCH_WAIT_POLL must not exceed ARENA_MATCH_WAIT_TIMEOUT")
	}
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		problems = append(problems, fmt.Sprintf("ARENA_DB_DRIVER must be sqlite3 or pgx, got %q", c.Database.Driver))
	}
	if (c.GRPC.TLSCertPath == "") != (c.GRPC.TLSKeyPath == "") {
		problems = append(problems, "ARENA_GRPC_TLS_CERT and ARENA_GRPC_TLS_KEY must be provided together")
	}
	if c.GRPC.ClientCAPath != "" && c.GRPC.TLSCertPath == "" {
		problems = append(problems, "ARENA_GRPC_CLIENT_CA requires ARENA_GRPC_TLS_CERT")
	}
	return problems
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envDuration(problems *[]string, key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func envInt(problems *[]string, key string, dst *int, allowZero bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 || (value == 0 && !allowZero) {
		kind := "a positive integer"
		if allowZero {
			kind = "a non-negative integer"
		}
		*problems = append(*problems, fmt.Sprintf("%s must be %s, got %q", key, kind, raw))
		return
	}
	*dst = value
}

func envInt64(problems *[]string, key string, dst *int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func envFloat(problems *[]string, key string, dst *float64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
		return
	}
	*dst = value
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
