package app

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime configuration, loaded from HUDDLE_-prefixed
// environment variables.
type Config struct {
	HTTPAddr string `env:"HUDDLE_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel string `env:"HUDDLE_LOG_LEVEL" envDefault:"info"`

	ReadHeaderTimeout time.Duration `env:"HUDDLE_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HUDDLE_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HUDDLE_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HUDDLE_HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Credential gate. An empty secret means a process-local random secret:
	// fine for a single ephemeral coordinator, tokens just do not survive a
	// restart (nothing else does either).
	TokenSecret string        `env:"HUDDLE_TOKEN_SECRET"`
	TokenIssuer string        `env:"HUDDLE_TOKEN_ISSUER" envDefault:"huddle"`
	TokenTTL    time.Duration `env:"HUDDLE_TOKEN_TTL" envDefault:"24h"`

	// Session bounds.
	MaxMembers      int           `env:"HUDDLE_MAX_MEMBERS" envDefault:"50"`
	MaxMessageChars int           `env:"HUDDLE_MAX_MESSAGE_CHARS" envDefault:"500"`
	MaxNameChars    int           `env:"HUDDLE_MAX_NAME_CHARS" envDefault:"30"`
	EmptyGrace      time.Duration `env:"HUDDLE_EMPTY_GRACE" envDefault:"5m"`
	MaxSessionAge   time.Duration `env:"HUDDLE_MAX_SESSION_AGE" envDefault:"24h"`
	EndDelay        time.Duration `env:"HUDDLE_END_DELAY" envDefault:"3s"`
	SweepInterval   time.Duration `env:"HUDDLE_SWEEP_INTERVAL" envDefault:"1m"`
	CodeAttempts    int           `env:"HUDDLE_CODE_ATTEMPTS" envDefault:"10"`

	// Realtime gateway.
	WSWriteTimeout     time.Duration `env:"HUDDLE_WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadIdleTimeout  time.Duration `env:"HUDDLE_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	WSSendQueue        int           `env:"HUDDLE_WS_SEND_QUEUE" envDefault:"256"`
	WSHeartbeatEvery   time.Duration `env:"HUDDLE_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout time.Duration `env:"HUDDLE_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSRateEvents       int           `env:"HUDDLE_WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow       time.Duration `env:"HUDDLE_WS_RATE_WINDOW" envDefault:"10s"`

	// Origin host patterns accepted for cross-origin websocket upgrades.
	WSOriginPatterns []string `env:"HUDDLE_WS_ORIGIN_PATTERNS" envSeparator:"," envDefault:"localhost,127.0.0.1"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	return env.ParseAs[Config]()
}
