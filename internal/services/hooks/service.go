// Package hooks runs the operator's pre/post execution hooks bracketing
// the engine run.
package hooks

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// DefaultDir is where hook scripts live. Each executable in it is invoked
// with the arguments ("backup", "pre"|"post").
const DefaultDir = "/etc/hubbak/hooks.d"

// Service defines the interface for hook execution.
type Service interface {
	Pre(ctx context.Context) error
	Post(ctx context.Context) error
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl implements the hooks Service interface.
type Impl struct {
	dir      string
	executor CommandExecutor
	logger   zerolog.Logger
	out      io.Writer
}

// New creates a new hook runner over DefaultDir.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		dir:      DefaultDir,
		executor: &DefaultExecutor{},
		logger:   logger,
		out:      os.Stdout,
	}
}

// NewWithExecutor creates a hook runner with a custom directory and
// executor (for testing).
func NewWithExecutor(logger zerolog.Logger, dir string, executor CommandExecutor) *Impl {
	return &Impl{dir: dir, executor: executor, logger: logger, out: os.Stdout}
}

// Pre runs all hooks for the pre-execution phase.
func (s *Impl) Pre(ctx context.Context) error { return s.run(ctx, "pre") }

// Post runs all hooks for the post-execution phase.
func (s *Impl) Post(ctx context.Context) error { return s.run(ctx, "post") }

func (s *Impl) run(ctx context.Context, phase string) error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading hooks directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(s.dir, name)
		s.logger.Debug().Str("hook", name).Str("phase", phase).Msg("running hook")

		output, err := s.executor.Execute(ctx, path, "backup", phase)
		if err != nil {
			return fmt.Errorf("%s hook %s failed: %w: %s", phase, name, err, string(output))
		}
		// Hook output is session output: it passes through to the operator
		// and lands in the logfile block.
		if len(output) > 0 {
			_, _ = s.out.Write(output)
		}
	}
	return nil
}
