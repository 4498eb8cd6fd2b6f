// Package logging owns the process-wide zerolog logger. Binaries call
// ConfigureRuntime once at startup; tests go through testlog.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "IKRELAY_LOG_LEVEL"
	EnvLogFormat    = "IKRELAY_LOG_FORMAT"
	EnvLogTimestamp = "IKRELAY_LOG_TIMESTAMP"
	EnvLogNoColor   = "IKRELAY_LOG_NOCOLOR"
	EnvLogBypass    = "IKRELAY_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

type Config struct {
	Level     zerolog.Level
	Format    Format
	Timestamp bool
	NoColor   bool
	// Bypass discards every event regardless of Level.
	Bypass bool
	Out    io.Writer
}

var once sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure installs the logger for profile. Only the first call in a
// process has any effect.
func Configure(profile Profile) {
	once.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		install(cfg)
	})
}

// For returns the process logger tagged with component.
func For(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

func defaultConfig(profile Profile) Config {
	cfg := Config{Level: zerolog.InfoLevel, Format: FormatConsole, Timestamp: true, Out: os.Stderr}
	if profile == ProfileTest {
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	}
	return cfg
}

func install(cfg Config) {
	if cfg.Bypass {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		log.Logger = zerolog.Nop()
		return
	}
	zerolog.SetGlobalLevel(cfg.Level)
	log.Logger = newLogger(cfg)
}

func newLogger(cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != FormatJSON {
		cw := zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
		if !cfg.Timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if f, ok := parseFormat(os.Getenv(EnvLogFormat)); ok {
		cfg.Format = f
	}
	for _, b := range []struct {
		env string
		dst *bool
	}{
		{EnvLogTimestamp, &cfg.Timestamp},
		{EnvLogNoColor, &cfg.NoColor},
		{EnvLogBypass, &cfg.Bypass},
	} {
		if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(b.env))); err == nil {
			*b.dst = v
		}
	}
}

func parseFormat(raw string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatJSON:
		return FormatJSON, true
	case FormatConsole, "text", "pretty":
		return FormatConsole, true
	}
	return "", false
}

func parseLevel(raw string) (zerolog.Level, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return zerolog.InfoLevel, false
	case "diagnostics":
		return zerolog.TraceLevel, true
	case "warning":
		return zerolog.WarnLevel, true
	case "off", "none":
		return zerolog.Disabled, true
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel, false
	}
	return lvl, true
}
