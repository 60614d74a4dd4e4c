package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment variable read by the broker.
const EnvPrefix = "BROKER_"

const (
	// DefaultAddr is the default TCP address the broker listens on.
	DefaultAddr = ":43127"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 20 * time.Second
	// DefaultPongWait bounds how long a peer may stay silent before it is considered gone.
	DefaultPongWait = 45 * time.Second
	// DefaultWriteWait limits a single frame write.
	DefaultWriteWait = 5 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 4 << 10
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultAbortWindow bounds how frequently admin aborts may be requested.
	DefaultAbortWindow = time.Minute
	// DefaultAbortBurst sets how many admin aborts may be made per window.
	DefaultAbortBurst = 10

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "broker.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7

	// DefaultTickRate is the authoritative simulation frequency in Hz.
	DefaultTickRate = 60.0
	// DefaultWinScore ends a match once either side reaches it.
	DefaultWinScore = 5
	// DefaultQueueTimeout evicts players that waited too long for an opponent.
	DefaultQueueTimeout = 2 * time.Minute
	// DefaultReportTimeout bounds a single outcome report call.
	DefaultReportTimeout = 5 * time.Second

	// DefaultGRPCAddr is where the outcome feed is served. Empty disables gRPC.
	DefaultGRPCAddr = ":43128"
)

// GRPCAuthMode selects how gRPC callers authenticate.
type GRPCAuthMode string

const (
	GRPCAuthModeNone         GRPCAuthMode = "none"
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	GRPCAuthModeMTLS         GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the broker service.
type Config struct {
	Address         string        `env:"ADDR" envDefault:":43127"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxPayloadBytes int64         `env:"MAX_PAYLOAD_BYTES" envDefault:"4096"`
	PingInterval    time.Duration `env:"PING_INTERVAL" envDefault:"20s"`
	PongWait        time.Duration `env:"PONG_WAIT" envDefault:"45s"`
	WriteWait       time.Duration `env:"WRITE_WAIT" envDefault:"5s"`
	MaxClients      int           `env:"MAX_CLIENTS" envDefault:"1024"`
	TLSCertPath     string        `env:"TLS_CERT"`
	TLSKeyPath      string        `env:"TLS_KEY"`

	AdminToken  string        `env:"ADMIN_TOKEN"`
	AbortWindow time.Duration `env:"ABORT_WINDOW" envDefault:"1m"`
	AbortBurst  int           `env:"ABORT_BURST" envDefault:"10"`

	Auth       AuthConfig       `envPrefix:"AUTH_"`
	Logging    LoggingConfig    `envPrefix:"LOG_"`
	Game       GameConfig       `envPrefix:"GAME_"`
	Matchmaker MatchmakerConfig `envPrefix:"MATCH_"`
	GRPC       GRPCConfig       `envPrefix:"GRPC_"`

	BandwidthBytesPerSecond float64       `env:"BANDWIDTH_BPS" envDefault:"0"`
	ReportTimeout           time.Duration `env:"REPORT_TIMEOUT" envDefault:"5s"`
}

// AuthConfig configures verification of the identity tokens presented on connect.
type AuthConfig struct {
	Secret   string        `env:"SECRET"`
	Issuer   string        `env:"ISSUER"`
	Audience string        `env:"AUDIENCE"`
	Leeway   time.Duration `env:"LEEWAY" envDefault:"2s"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `env:"LEVEL" envDefault:"info"`
	Path       string `env:"PATH" envDefault:"broker.log"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"10"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"7"`
	Compress   bool   `env:"COMPRESS" envDefault:"true"`
}

// GameConfig holds the numeric constants of the simulation. Distances are in field
// units, speeds in units per second.
type GameConfig struct {
	TickRate        float64 `env:"TICK_RATE" envDefault:"60"`
	WinScore        int     `env:"WIN_SCORE" envDefault:"5"`
	FieldWidth      float64 `env:"FIELD_WIDTH" envDefault:"800"`
	FieldHeight     float64 `env:"FIELD_HEIGHT" envDefault:"600"`
	PaddleHeight    float64 `env:"PADDLE_HEIGHT" envDefault:"100"`
	PaddleInset     float64 `env:"PADDLE_INSET" envDefault:"24"`
	PaddleSpeed     float64 `env:"PADDLE_SPEED" envDefault:"420"`
	BallSpeed       float64 `env:"BALL_SPEED" envDefault:"360"`
	MaxBounceDeg    float64 `env:"MAX_BOUNCE_DEG" envDefault:"60"`
	ServeDelayTicks int     `env:"SERVE_DELAY_TICKS" envDefault:"60"`
}

// MatchmakerConfig tunes the waiting queue and input gating.
type MatchmakerConfig struct {
	QueueTimeout     time.Duration `env:"QUEUE_TIMEOUT" envDefault:"2m"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	InputMinInterval time.Duration `env:"INPUT_MIN_INTERVAL" envDefault:"5ms"`
}

// GRPCConfig configures the outcome feed listener.
type GRPCConfig struct {
	Address        string       `env:"ADDR" envDefault:":43128"`
	AuthMode       GRPCAuthMode `env:"AUTH_MODE" envDefault:"none"`
	SharedSecret   string       `env:"SHARED_SECRET"`
	ServerCertPath string       `env:"SERVER_CERT"`
	ServerKeyPath  string       `env:"SERVER_KEY"`
	ClientCAPath   string       `env:"CLIENT_CA"`
}

// Load reads the broker configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom parses the supplied environment map, applying defaults and returning a single
// descriptive error that lists every invalid override.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalise()
	if problems := cfg.validate(); len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		c.Address = DefaultAddr
	}
	c.AllowedOrigins = trimList(c.AllowedOrigins)
	c.TLSCertPath = strings.TrimSpace(c.TLSCertPath)
	c.TLSKeyPath = strings.TrimSpace(c.TLSKeyPath)
	c.AdminToken = strings.TrimSpace(c.AdminToken)
	c.Auth.Secret = strings.TrimSpace(c.Auth.Secret)
	c.Logging.Level = strings.TrimSpace(c.Logging.Level)
	c.Logging.Path = strings.TrimSpace(c.Logging.Path)
	c.GRPC.Address = strings.TrimSpace(c.GRPC.Address)
	c.GRPC.AuthMode = GRPCAuthMode(strings.ToLower(strings.TrimSpace(string(c.GRPC.AuthMode))))
}

func (c *Config) validate() []string {
	var problems []string
	if c.MaxPayloadBytes <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_MAX_PAYLOAD_BYTES must be a positive integer, got %d", c.MaxPayloadBytes))
	}
	if c.PingInterval <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_PING_INTERVAL must be a positive duration, got %s", c.PingInterval))
	}
	if c.PongWait <= c.PingInterval {
		problems = append(problems, fmt.Sprintf("BROKER_PONG_WAIT (%s) must exceed BROKER_PING_INTERVAL (%s)", c.PongWait, c.PingInterval))
	}
	if c.WriteWait <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_WRITE_WAIT must be a positive duration, got %s", c.WriteWait))
	}
	if c.MaxClients < 0 {
		problems = append(problems, fmt.Sprintf("BROKER_MAX_CLIENTS must be a non-negative integer, got %d", c.MaxClients))
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		problems = append(problems, "BROKER_TLS_CERT and BROKER_TLS_KEY must be provided together")
	}
	if c.AbortWindow <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_ABORT_WINDOW must be a positive duration, got %s", c.AbortWindow))
	}
	if c.AbortBurst <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_ABORT_BURST must be a positive integer, got %d", c.AbortBurst))
	}
	if c.Auth.Secret == "" {
		problems = append(problems, "BROKER_AUTH_SECRET is required")
	}
	if c.Auth.Leeway < 0 {
		problems = append(problems, fmt.Sprintf("BROKER_AUTH_LEEWAY must be non-negative, got %s", c.Auth.Leeway))
	}
	if c.Logging.MaxSizeMB <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_SIZE_MB must be a positive integer, got %d", c.Logging.MaxSizeMB))
	}
	if c.Logging.MaxBackups < 0 {
		problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_BACKUPS must be a non-negative integer, got %d", c.Logging.MaxBackups))
	}
	if c.Logging.MaxAgeDays < 0 {
		problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %d", c.Logging.MaxAgeDays))
	}
	problems = append(problems, c.Game.problems()...)
	if c.Matchmaker.QueueTimeout < 0 {
		problems = append(problems, fmt.Sprintf("BROKER_MATCH_QUEUE_TIMEOUT must be non-negative, got %s", c.Matchmaker.QueueTimeout))
	}
	if c.Matchmaker.SweepInterval <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_MATCH_SWEEP_INTERVAL must be a positive duration, got %s", c.Matchmaker.SweepInterval))
	}
	if c.Matchmaker.InputMinInterval < 0 {
		problems = append(problems, fmt.Sprintf("BROKER_MATCH_INPUT_MIN_INTERVAL must be non-negative, got %s", c.Matchmaker.InputMinInterval))
	}
	if c.BandwidthBytesPerSecond < 0 {
		problems = append(problems, fmt.Sprintf("BROKER_BANDWIDTH_BPS must be non-negative, got %g", c.BandwidthBytesPerSecond))
	}
	if c.ReportTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_REPORT_TIMEOUT must be a positive duration, got %s", c.ReportTimeout))
	}
	problems = append(problems, c.GRPC.problems()...)
	return problems
}

func (g GameConfig) problems() []string {
	var problems []string
	if g.TickRate <= 0 || g.TickRate > 1000 {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_TICK_RATE must be within (0, 1000], got %g", g.TickRate))
	}
	if g.WinScore <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_WIN_SCORE must be a positive integer, got %d", g.WinScore))
	}
	if g.FieldWidth <= 0 || g.FieldHeight <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_FIELD_WIDTH/HEIGHT must be positive, got %gx%g", g.FieldWidth, g.FieldHeight))
	}
	if g.PaddleHeight <= 0 || g.PaddleHeight >= g.FieldHeight {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_PADDLE_HEIGHT must be within (0, field height), got %g", g.PaddleHeight))
	}
	if g.PaddleInset < 0 || g.PaddleInset*2 >= g.FieldWidth {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_PADDLE_INSET must leave room between paddles, got %g", g.PaddleInset))
	}
	if g.PaddleSpeed <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_PADDLE_SPEED must be positive, got %g", g.PaddleSpeed))
	}
	if g.BallSpeed <= 0 {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_BALL_SPEED must be positive, got %g", g.BallSpeed))
	}
	if g.MaxBounceDeg <= 0 || g.MaxBounceDeg >= 90 {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_MAX_BOUNCE_DEG must be within (0, 90), got %g", g.MaxBounceDeg))
	}
	if g.ServeDelayTicks < 0 {
		problems = append(problems, fmt.Sprintf("BROKER_GAME_SERVE_DELAY_TICKS must be non-negative, got %d", g.ServeDelayTicks))
	}
	return problems
}

func (g GRPCConfig) problems() []string {
	if g.Address == "" {
		return nil
	}
	switch g.AuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if strings.TrimSpace(g.SharedSecret) == "" {
			return []string{"BROKER_GRPC_SHARED_SECRET is required when BROKER_GRPC_AUTH_MODE=shared_secret"}
		}
	case GRPCAuthModeMTLS:
		if g.ServerCertPath == "" || g.ServerKeyPath == "" || g.ClientCAPath == "" {
			return []string{"BROKER_GRPC_SERVER_CERT, BROKER_GRPC_SERVER_KEY and BROKER_GRPC_CLIENT_CA are required when BROKER_GRPC_AUTH_MODE=mtls"}
		}
	default:
		return []string{fmt.Sprintf("BROKER_GRPC_AUTH_MODE must be one of none, shared_secret, mtls; got %q", g.AuthMode)}
	}
	return nil
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if item := strings.TrimSpace(value); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
