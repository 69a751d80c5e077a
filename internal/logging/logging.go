// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	// Dir holds bot.log and errors.log. Empty disables file output.
	Dir   string
	Debug bool
	// Console receives human-readable output; nil means stdout.
	Console io.Writer
	// NoColor disables ANSI colors on the console.
	NoColor bool
}

// Setup returns a logger writing to the console, a rotating bot.log and an
// error-only errors.log. The returned closer flushes and closes the files.
func Setup(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.DateTime, NoColor: opts.NoColor}}
	files := multiCloser{}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		all := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "bot.log"),
			MaxSize:    10,
			MaxBackups: 5,
		}
		errs := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "errors.log"),
			MaxSize:    5,
			MaxBackups: 3,
		}
		files = append(files, all, errs)
		writers = append(writers,
			all,
			&zerolog.FilteredLevelWriter{
				Writer: zerolog.LevelWriterAdapter{Writer: errs},
				Level:  zerolog.ErrorLevel,
			},
		)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, files, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
