// Package config loads process configuration from OUTREACH_* environment
// variables with command-line flag overrides.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"outreach/internal/consent"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Addr        string `env:"OUTREACH_ADDR" envDefault:":8080"`
	EnableDebug bool   `env:"OUTREACH_DEBUG"`

	DBDriver string `env:"OUTREACH_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"OUTREACH_DB_DSN" envDefault:"outreach.db"`

	Workers     int           `env:"OUTREACH_WORKERS" envDefault:"8"`
	BatchSize   int           `env:"OUTREACH_BATCH_SIZE" envDefault:"50"`
	Poll        time.Duration `env:"OUTREACH_POLL" envDefault:"1s"`
	MaxAttempts int           `env:"OUTREACH_MAX_ATTEMPTS" envDefault:"5"`
	StaleLease  time.Duration `env:"OUTREACH_STALE_LEASE" envDefault:"5m"`

	Provider Provider

	AutopilotSpec string `env:"OUTREACH_AUTOPILOT_SPEC" envDefault:"*/5 * * * *"`
	FollowupSpec  string `env:"OUTREACH_FOLLOWUP_SPEC" envDefault:"*/10 * * * *"`
	EnrollSpec    string `env:"OUTREACH_ENROLL_SPEC" envDefault:"0 * * * *"`
	RecoverSpec   string `env:"OUTREACH_RECOVER_SPEC" envDefault:"@every 1m"`

	AMQPURL      string `env:"OUTREACH_AMQP_URL"`
	AMQPExchange string `env:"OUTREACH_AMQP_EXCHANGE" envDefault:"outreach.events"`

	OTELEndpoint string `env:"OUTREACH_OTEL_ENDPOINT"`
	ServiceName  string `env:"OUTREACH_SERVICE_NAME" envDefault:"outreach"`

	LogLevel  string `env:"OUTREACH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"OUTREACH_LOG_FORMAT" envDefault:"console"`

	OptOutCodes   []string `env:"OUTREACH_OPT_OUT_CODES" envDefault:"21610" envSeparator:","`
	RevokeAliases []string `env:"OUTREACH_REVOKE_KEYWORDS" envSeparator:","`
	HelpAliases   []string `env:"OUTREACH_HELP_KEYWORDS" envSeparator:","`
	GrantAliases  []string `env:"OUTREACH_GRANT_KEYWORDS" envSeparator:","`
}

// Provider configures the SMS provider. An empty URL selects the dry-run
// sender that only logs.
type Provider struct {
	URL     string        `env:"OUTREACH_PROVIDER_URL"`
	Token   string        `env:"OUTREACH_PROVIDER_TOKEN"`
	From    string        `env:"OUTREACH_PROVIDER_FROM"`
	Timeout time.Duration `env:"OUTREACH_PROVIDER_TIMEOUT" envDefault:"15s"`
}

// Load parses the environment, then applies any flags given in args.
func Load(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("outreach", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address")
	fs.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "database driver: sqlite or mysql")
	fs.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "SQLite DB path or MySQL DSN")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of concurrent sends")
	fs.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "messages claimed per worker tick")
	fs.DurationVar(&cfg.Poll, "poll", cfg.Poll, "poll interval for queue")
	fs.BoolVar(&cfg.EnableDebug, "debug", cfg.EnableDebug, "enable pprof endpoints")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("%w: driver %q", ErrInvalid, c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("%w: empty database dsn", ErrInvalid)
	}
	if c.Workers <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("%w: workers and batch size must be positive", ErrInvalid)
	}
	if c.Poll <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	return nil
}

// Level returns the configured zerolog level, defaulting to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Vocabulary is the default STOP/HELP/START set with any configured alias
// lists replacing the matching default.
func (c Config) Vocabulary() consent.Vocabulary {
	v := consent.DefaultVocabulary()
	if aliases := clean(c.RevokeAliases); len(aliases) > 0 {
		v.Revoke = aliases
	}
	if aliases := clean(c.HelpAliases); len(aliases) > 0 {
		v.Help = aliases
	}
	if aliases := clean(c.GrantAliases); len(aliases) > 0 {
		v.Grant = aliases
	}
	return v
}

func clean(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
