// Package logger wires the global application log and the CSV capture log.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFilename   = "scopedash.log"
	logMaxSizeMB  = 1
	logMaxBackups = 2
)

// Options control where the application log goes.
type Options struct {
	Dir     string
	Console bool
	Debug   bool
}

// Init routes the global zerolog logger to a rotating file under Dir and,
// optionally, a console writer on stderr.
func Init(opts Options) error {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var writers []io.Writer
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return fmt.Errorf("logger: create %s: %w", opts.Dir, err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, logFilename),
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
		})
	}
	if opts.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	log.Logger = log.Output(io.MultiWriter(writers...)).With().Timestamp().Caller().Logger()
	return nil
}
