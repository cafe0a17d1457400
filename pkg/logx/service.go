package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	kit "coachbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Operator OperatorConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OperatorConfig mirrors warnings and errors into the operator chat.
type OperatorConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
	// Repeat mutes an identical message for this long. Zero means a minute.
	Repeat time.Duration
}

// TextSender is the slice of the transport the operator sink needs.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Option func(*Service)

// WithFs opens the log file on fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option { return func(s *Service) { s.fs = fs } }

// WithConsole redirects console output.
func WithConsole(w io.Writer) Option { return func(s *Service) { s.console = w } }

// Service owns the sinks and swaps them on Apply. Loggers derived from it
// pick up the new sinks on their next write.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	op   *operatorSink

	mu      sync.Mutex
	cfg     Config
	fs      afero.Fs
	console io.Writer
	file    afero.File
}

// New builds the service and applies cfg before returning.
func New(cfg Config, sender TextSender, opts ...Option) (*Service, Logger) {
	setGlobals()
	s := &Service{
		fs:      afero.NewOsFs(),
		console: os.Stdout,
		op:      newOperatorSink(sender),
	}
	for _, o := range opts {
		o(s)
	}
	boot := zerolog.New(consoleWriter(s.console)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps levels and sinks. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, consoleWriter(s.console))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./coachbot.log"
		}
		f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	s.op.apply(cfg.Operator)
	switch {
	case cfg.Operator.Enabled && cfg.Operator.ChatID == 0:
		fmt.Fprintln(os.Stderr, "logx: operator sink enabled without a chat id; skipped")
	case cfg.Operator.Enabled:
		s.op.start()
		writers = append(writers, s.op)
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(s.console))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close flushes the operator queue briefly and closes the log file.
func (s *Service) Close() error {
	s.op.stop(2 * time.Second)

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
