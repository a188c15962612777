package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a component-scoped zerolog logger. Every service owns one.
type Logger struct {
	zl        zerolog.Logger
	component string
}

var levels = map[string]zerolog.Level{
	"development": zerolog.DebugLevel,
	"test":        zerolog.WarnLevel,
	"staging":     zerolog.InfoLevel,
	"production":  zerolog.InfoLevel,
}

var ansiPattern = regexp.MustCompile("\x1B\\[[0-9;]*[a-zA-Z]")

// Config controls output and verbosity.
type Config struct {
	AppEnv string
	Out    io.Writer
}

// New creates a logger for a component, configured from APP_ENV.
func New(component string) *Logger {
	return NewWithConfig(component, Config{AppEnv: os.Getenv("APP_ENV")})
}

func NewWithConfig(component string, cfg Config) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	production := cfg.AppEnv == "production"

	writer := zerolog.ConsoleWriter{
		Out:     out,
		NoColor: production,
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("[%s] %s", component, i)
		},
		FormatLevel: formatLevel,
	}
	if !production {
		writer.TimeFormat = "2006-01-02 15:04:05"
	}

	ctx := zerolog.New(writer).Level(levelFor(cfg.AppEnv)).With()
	if !production {
		ctx = ctx.Timestamp()
	}
	return &Logger{zl: ctx.Logger(), component: component}
}

func formatLevel(i interface{}) string {
	level, ok := i.(string)
	if !ok {
		return "???"
	}
	switch level {
	case "debug":
		return "\033[36m[DEBUG]\033[0m"
	case "info":
		return "\033[34m[INFO]\033[0m"
	case "warn":
		return "\033[33m[WARN]\033[0m"
	case "error":
		return "\033[31m[ERROR]\033[0m"
	case "fatal":
		return "\033[35m[FATAL]\033[0m"
	default:
		return fmt.Sprintf("[%s]", level)
	}
}

func levelFor(env string) zerolog.Level {
	if level, ok := levels[env]; ok {
		return level
	}
	return zerolog.DebugLevel
}

// With returns a child logger carrying an extra field on every event.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger(), component: l.component}
}

// ForJob scopes a logger to one job id.
func (l *Logger) ForJob(id string) *Logger { return l.With("job_id", id) }

func (l *Logger) Debug() *zerolog.Event   { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event    { return l.zl.Info() }
func (l *Logger) Success() *zerolog.Event { return l.zl.Info().Bool("success", true) }
func (l *Logger) Warn() *zerolog.Event    { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event   { return l.zl.Error() }

func (l *Logger) LogInfo(msg string) { l.Info().Msg(msg) }

func (l *Logger) LogError(msg string, err error) {
	if err != nil {
		l.Error().Err(err).Msg(msg)
		return
	}
	l.Error().Msg(msg)
}

func (l *Logger) LogFatal(msg string, err error) {
	l.zl.Fatal().Err(err).Msg(msg)
}

func (l *Logger) LogDebugf(format string, v ...interface{})   { l.Debug().Msgf(format, v...) }
func (l *Logger) LogInfof(format string, v ...interface{})    { l.Info().Msgf(format, v...) }
func (l *Logger) LogSuccessf(format string, v ...interface{}) { l.Success().Msgf(format, v...) }
func (l *Logger) LogWarnf(format string, v ...interface{})    { l.Warn().Msgf(format, v...) }
func (l *Logger) LogErrorf(format string, v ...interface{})   { l.Error().Msgf(format, v...) }

// StripANSI removes terminal color codes, for text that leaves the process
// in an HTTP response.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
