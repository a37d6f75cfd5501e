package logger

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	Trace LogLevel = iota
	Debug
	Info
	Error
)

func ToLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "info":
		return Info
	case "error":
		return Error
	default:
		return Debug
	}
}

type Config struct {
	ConsoleWriters []io.Writer

	// FilePath enables rotating file output when set
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days

	LogLevel LogLevel
}

type Logger struct {
	logger zerolog.Logger
}

func New(config *Config) (*Logger, error) {
	if config == nil {
		return nil, fmt.Errorf("logger config must not be nil")
	}

	writers := []io.Writer{}
	for _, consoleWriter := range config.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        consoleWriter,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		})
	}

	if config.FilePath != "" {
		maxSize := config.MaxSize
		if maxSize == 0 {
			maxSize = 100
		}
		maxBackups := config.MaxBackups
		if maxBackups == 0 {
			maxBackups = 10
		}
		maxAge := config.MaxAge
		if maxAge == 0 {
			maxAge = 30
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
		})
	}

	// a logger with nowhere to write is still a valid logger
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(toZerologLevel(config.LogLevel)).
		With().
		Timestamp().
		Logger()

	return &Logger{logger: logger}, nil
}

func toZerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case Trace:
		return zerolog.TraceLevel
	case Debug:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.DebugLevel
	}
}

func (l *Logger) AddClientVersion(version string) {
	l.logger = l.logger.With().Str("clientVersion", version).Logger()
}

func (l *Logger) AddSessionId(sessionId string) {
	l.logger = l.logger.With().Str("sessionId", sessionId).Logger()
}

func (l *Logger) GetComponentLogger(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

func (l *Logger) GetConnectionLogger(connectionId string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("connectionId", connectionId).Logger(),
	}
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}
