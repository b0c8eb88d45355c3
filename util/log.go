// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Output goes through zap so that it can be emitted either for a terminal
// or as JSON lines.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	z       *zap.SugaredLogger
	base    *zap.Logger
	level   zap.AtomicLevel
	verbose bool
	debug   bool
}

// LogConfig describes how a Logger is built.
type LogConfig struct {
	Verbose    bool
	Debug      bool
	Format     string // "console" or "json"
	OutputPath string // stderr, stdout, or a file path
}

func NewLogger(verbose, debug bool) *Logger {
	l, err := NewLoggerConfig(LogConfig{Verbose: verbose, Debug: debug, Format: "console"})
	if err != nil {
		// Only reachable with a bad output path; stderr always works.
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return l
}

func NewLoggerConfig(cfg LogConfig) (*Logger, error) {
	level := zapcore.WarnLevel
	if cfg.Verbose {
		level = zapcore.InfoLevel
	}
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.TimeKey = ""
		zc.DisableStacktrace = true
	}
	zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	zc.ErrorOutputPaths = []string{"stderr"}

	base, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return &Logger{
		z:       base.Sugar(),
		base:    base,
		level:   zc.Level,
		verbose: cfg.Verbose || cfg.Debug,
		debug:   cfg.Debug,
	}, nil
}

// With returns a logger that annotates every message with the given
// key/value pairs. The error count is not shared with the parent.
func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		z:       l.z.With(kv...),
		base:    l.base,
		level:   l.level,
		verbose: l.verbose,
		debug:   l.debug,
	}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	err := l.base.Sync()
	// Syncing a terminal reports EINVAL on Linux; not worth surfacing.
	if err != nil && strings.Contains(err.Error(), "invalid argument") {
		return nil
	}
	return err
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Printf("%s", terminate(fmt.Sprintf(f, args...)))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		return
	}
	if !l.debug {
		return
	}
	l.z.Debugf(trim(f), args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		return
	}
	if !l.verbose {
		return
	}
	l.z.Infof(trim(f), args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		return
	}
	l.z.Warnf(trim(f), args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		return
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.z.Errorf(trim(f), args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, terminate(fmt.Sprintf(f, args...)))
		os.Exit(1)
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.z.Errorf(trim(f), args...)
	_ = l.Sync()
	os.Exit(1)
}

// Errors returns the number of errors logged so far.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.NErrors
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	if len(msg) == 0 {
		l.Fatal("Check failed")
	} else {
		f := msg[0].(string)
		l.Fatal(f, msg[1:]...)
	}
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	if len(msg) == 0 {
		l.Fatal("Error: %+v", err)
	} else {
		f := msg[0].(string)
		l.Fatal(f, msg[1:]...)
	}
}

func trim(f string) string {
	return strings.TrimSuffix(f, "\n")
}

func terminate(s string) string {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
