package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var globalLog = zerolog.New(os.Stdout).With().Timestamp().Logger()

type LogOptions struct {
	Level      string
	Dev        bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	Component  string
}

// InitLog configures the process logger. When File is set, entries are also
// written to a size-rotated file.
func InitLog(opts LogOptions) io.Closer {
	var out io.Writer = os.Stdout
	if opts.Dev {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    nz(opts.MaxSizeMB, 10),
			MaxBackups: nz(opts.MaxBackups, 5),
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj
	}
	zerolog.SetGlobalLevel(parseLevel(opts.Level))
	ctx := zerolog.New(out).
		With().
		Timestamp().
		Caller()
	if opts.Component != "" {
		ctx = ctx.Str("component", opts.Component)
	}
	globalLog = ctx.Logger()
	log.Logger = globalLog
	return closer
}
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}
func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func nz(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
