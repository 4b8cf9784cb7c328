// Package config loads the immutable configuration document consumed at
// bringup. Loading mechanics (env vars, .env file) are an external
// collaborator; the document shape and its validation are part of the core.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig carries app.* keys.
type AppConfig struct {
	Version     string `env:"VERSION" envDefault:"dev"`
	Timezone    string `env:"TIMEZONE" envDefault:"Local"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:"127.0.0.1:9090"`
}

// DecoderConfig carries decoder.* keys.
type DecoderConfig struct {
	Executable     string        `env:"EXECUTABLE,required"`
	CommandArgs    string        `env:"COMMAND_ARGS" envDefault:"/tcp"`
	Host           string        `env:"HOST" envDefault:"127.0.0.1"`
	Port           int           `env:"PORT" envDefault:"31003"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"10s"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"10"`
}

// APIConfig carries api.* keys.
type APIConfig struct {
	URL         string        `env:"URL,required"`
	StatusURL   string        `env:"STATUS_URL,required"`
	ClientID    int           `env:"CLIENT_ID,required"`
	SecretKey   string        `env:"SECRET_KEY,required"`
	BearerToken string        `env:"BEARER_TOKEN,required"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"30s"`
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
}

// DatabaseConfig carries database.* keys.
type DatabaseConfig struct {
	File string `env:"FILE" envDefault:"base.db"`
}

// CyclesConfig carries cycles.* keys.
type CyclesConfig struct {
	ParserInterval   time.Duration `env:"PARSER_INTERVAL" envDefault:"1s"`
	AnalyserInterval time.Duration `env:"ANALYSER_INTERVAL" envDefault:"5s"`
	SenderInterval   time.Duration `env:"SENDER_INTERVAL" envDefault:"10s"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"200"`
	NTPSyncInterval  time.Duration `env:"NTP_SYNC_INTERVAL" envDefault:"1h"`
	StaleThreshold   time.Duration `env:"STALE_THRESHOLD" envDefault:"60s"`
	CorrelationWindow time.Duration `env:"CORRELATION_WINDOW" envDefault:"5s"`
}

// Config is the immutable configuration document. Unknown env keys are
// ignored by caarlos0/env; missing required keys fail Load.
type Config struct {
	App      AppConfig      `envPrefix:"APP_"`
	Decoder  DecoderConfig  `envPrefix:"DECODER_"`
	API      APIConfig      `envPrefix:"API_"`
	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Cycles   CyclesConfig   `envPrefix:"CYCLES_"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	DecoderHost  string
	DatabaseFile string
}

// Load reads the .env file (if present), parses environment variables into
// the nested Config struct, and applies CLI overrides. Priority: CLI flags
// > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if overrides.DecoderHost != "" {
		cfg.Decoder.Host = overrides.DecoderHost
	}
	if overrides.DatabaseFile != "" {
		cfg.Database.File = overrides.DatabaseFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces invariants Load cannot express through struct tags alone.
func (c *Config) Validate() error {
	if c.Decoder.Port <= 0 || c.Decoder.Port > 65535 {
		return fmt.Errorf("decoder.port out of range: %d", c.Decoder.Port)
	}
	if c.API.ClientID <= 0 {
		return fmt.Errorf("api.client_id must be positive")
	}
	if c.Cycles.BatchSize <= 0 {
		return fmt.Errorf("cycles.batch_size must be positive")
	}
	return nil
}
