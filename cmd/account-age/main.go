// Command account-age resolves and annotates the account age of user handles.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/account-age/config"
	"github.com/wolfeidau/account-age/engine"
	"github.com/wolfeidau/account-age/telemetry"
)

var version = "dev"

// Globals are flags shared by every command. Zero values leave the
// configuration file (or its defaults) untouched.
type Globals struct {
	Config    string `help:"Path to a YAML configuration file." env:"ACCOUNT_AGE_CONFIG" type:"path"`
	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"ACCOUNT_AGE_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"ACCOUNT_AGE_LOG_FORMAT"`

	Endpoint      string `help:"Account-history endpoint template containing {handle}." env:"ACCOUNT_AGE_ENDPOINT"`
	APIToken      string `help:"Bearer token sent to the account-history API." env:"ACCOUNT_AGE_API_TOKEN"`
	StoragePath   string `help:"bbolt database used to persist the cache." env:"ACCOUNT_AGE_STORAGE_PATH" type:"path"`
	RedisAddr     string `help:"Redis address used to persist the cache." env:"ACCOUNT_AGE_REDIS_ADDR"`
	CacheTTL      int    `help:"Cache TTL in seconds." env:"ACCOUNT_AGE_CACHE_TTL"`
	MaxConcurrent int    `help:"Maximum concurrent upstream fetches." env:"ACCOUNT_AGE_MAX_CONCURRENT"`
	RetryLimit    int    `help:"Total fetch attempts per handle." env:"ACCOUNT_AGE_RETRY_LIMIT"`
	TextMentions  bool   `help:"Also match u/name mentions in text." env:"ACCOUNT_AGE_TEXT_MENTIONS"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"ACCOUNT_AGE_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:"" env:"ACCOUNT_AGE_PROMETHEUS"`

	logger *slog.Logger
}

type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Run the HTTP service."`
	Lookup  LookupCmd  `cmd:"" help:"Resolve the age of one or more handles."`
	Scan    ScanCmd    `cmd:"" help:"Resolve every handle referenced in a content snapshot."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("account-age"),
		kong.Description("Resolve and annotate the account age of user handles."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

// Logger builds the process logger from the log flags.
func (g *Globals) Logger() *slog.Logger {
	if g.logger != nil {
		return g.logger
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	g.logger = slog.New(handler)
	return g.logger
}

// Settings loads the configuration file and applies flag overrides.
func (g *Globals) Settings() (config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return cfg, err
	}

	if g.Endpoint != "" {
		cfg.Endpoint = g.Endpoint
	}
	if g.StoragePath != "" {
		cfg.StoragePath = g.StoragePath
	}
	if g.RedisAddr != "" {
		cfg.RedisAddr = g.RedisAddr
	}
	if g.CacheTTL != 0 {
		cfg.CacheTTLSeconds = g.CacheTTL
	}
	if g.MaxConcurrent != 0 {
		cfg.MaxConcurrentFetches = g.MaxConcurrent
	}
	if g.RetryLimit != 0 {
		cfg.RetryLimit = g.RetryLimit
	}
	if g.TextMentions {
		cfg.TextMentions = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Engine builds an engine from the loaded settings.
func (g *Globals) Engine(ctx context.Context) (*engine.Engine, error) {
	settings, err := g.Settings()
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, engine.Config{
		Settings:    settings,
		BearerToken: g.APIToken,
		Logger:      g.Logger(),
	})
}

// Metrics initialises the meter provider. The returned function flushes and
// stops exporters.
func (g *Globals) Metrics(ctx context.Context) (func(context.Context) error, error) {
	return telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "account-age",
		ServiceVersion:   version,
		OTLPEndpoint:     g.OTLPEndpoint,
		EnablePrometheus: g.Prometheus,
	})
}
