// Package logging configures the process-wide standard logger.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const Prefix = "[cwdepg] "

// Options selects an optional rotating file sink next to stderr.
type Options struct {
	File       string // "" = stderr only
	MaxSizeMB  int
	MaxBackups int
}

// Setup points the standard logger at stderr (and File, rotated, when set).
// The returned closer releases the file and is safe to call when File is "".
func Setup(opts Options) io.Closer {
	return setup(os.Stderr, opts)
}

func setup(stderr io.Writer, opts Options) io.Closer {
	log.SetPrefix(Prefix)
	log.SetFlags(log.LstdFlags)
	if opts.File == "" {
		log.SetOutput(stderr)
		return nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(stderr, lj))
	return lj
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
