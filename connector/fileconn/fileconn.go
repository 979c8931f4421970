// Package fileconn implements the file source connector: a pull-style
// polling loop scanning a directory on an interval and dispatching each
// matching file's bytes as one raw message.
package fileconn

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/connector"
	"github.com/jeeves-cluster-organization/channelengine/enginerecover"
)

// Config is one file source connector's polling configuration.
type Config struct {
	Name         string
	Dir          string
	Pattern      string // glob against the base name; "" means every file
	PollInterval time.Duration

	// MoveToDir receives successfully dispatched files; when empty they are
	// deleted instead. Files whose dispatch fails go to ErrorDir; when
	// ErrorDir is empty they are left in place and retried on the next poll
	// (delivery is at-least-once).
	MoveToDir string
	ErrorDir  string // receives files that fail dispatch; empty leaves them for retry
}

// Source is the polling file reader; it implements connector.Source.
type Source struct {
	cfg        Config
	logger     celog.Logger
	dispatcher connector.Dispatcher
	lifecycle  *connector.Lifecycle
	stop       chan struct{}
}

func New(cfg Config, logger celog.Logger) *Source {
	if logger == nil {
		logger = celog.Noop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*"
	}
	return &Source{
		cfg:       cfg,
		logger:    logger.Bind("component", "fileconn", "connector", cfg.Name),
		lifecycle: connector.NewLifecycle(),
	}
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) SetDispatcher(d connector.Dispatcher) { s.dispatcher = d }

func (s *Source) Start(ctx context.Context) error {
	if err := s.lifecycle.Start(); err != nil {
		return err
	}
	if info, err := os.Stat(s.cfg.Dir); err != nil || !info.IsDir() {
		s.lifecycle.Halt()
		return ceerrors.NewValidation("fileconn %s: %q is not a readable directory", s.cfg.Name, s.cfg.Dir)
	}
	s.stop = make(chan struct{})
	enginerecover.SafeGo(s.logger, "fileconn_poll_loop", func() { s.pollLoop(ctx) }, nil)
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return s.lifecycle.Stop()
}

func (s *Source) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	stop := s.stop
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.lifecycle.IsAccepting() {
				continue // paused: skip the scan, leave files in place
			}
			s.pollOnce(ctx)
		}
	}
}

// pollOnce scans the directory and dispatches every matching file in name
// order, so source ingestion ordering is deterministic per poll.
func (s *Source) pollOnce(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, s.cfg.Pattern))
	if err != nil {
		s.logger.Warn("fileconn_glob_error", "error", err)
		return
	}
	sort.Strings(matches)

	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		s.processFile(ctx, path)
	}
}

func (s *Source) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("fileconn_read_error", "file", path, "error", err)
		return
	}

	raw := connector.RawMessage{
		Data:       data,
		ReceivedAt: time.Now().UTC(),
		SourceMap: map[string]any{
			"originalFilename": filepath.Base(path),
			"fileDirectory":    s.cfg.Dir,
		},
	}

	if s.dispatcher == nil {
		s.logger.Error("fileconn_no_dispatcher", "file", path)
		return
	}
	if err := s.dispatcher(ctx, raw); err != nil {
		s.logger.Warn("fileconn_dispatch_failed", "file", path, "error", err)
		s.relocate(path, s.cfg.ErrorDir)
		return
	}

	if s.cfg.MoveToDir != "" {
		s.relocate(path, s.cfg.MoveToDir)
	} else if err := os.Remove(path); err != nil {
		s.logger.Warn("fileconn_remove_error", "file", path, "error", err)
	}
}

// relocate moves path into dir, a no-op when dir is empty (the file stays
// in place for the next poll to retry).
func (s *Source) relocate(path, dir string) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("fileconn_mkdir_error", "dir", dir, "error", err)
		return
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		s.logger.Warn("fileconn_move_error", "file", path, "dest", dest, "error", err)
	}
}
