// Package engine performs the actual backup: it stages file, database and
// package material under a work directory, packs it into encrypted
// compressed volumes, and ships them to the target address.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubbak/hubbak/internal/models"
	"github.com/rs/zerolog"
)

// DefaultWorkDir holds the staged backup between runs. Left intact after
// a simulated run so the operator can inspect it by hand.
const DefaultWorkDir = "/var/cache/hubbak/backup"

// RunOptions carries the session-level inputs that are not part of the
// run configuration.
type RunOptions struct {
	Resume      bool
	Debug       bool
	Profile     *models.Profile
	Credentials *models.Credentials
	Address     string
}

// Service defines the interface for the backup engine.
type Service interface {
	Run(ctx context.Context, conf models.RunConfiguration, opts RunOptions) (*models.EngineResult, error)
	// Cleanup removes transient on-disk backup state. Idempotent and safe
	// to call even if Run never completed.
	Cleanup() error
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
	ExecuteToFile(ctx context.Context, env []string, outputPath, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// ExecuteToFile runs a command with extra environment and writes its
// stdout to outputPath.
func (e *DefaultExecutor) ExecuteToFile(ctx context.Context, env []string, outputPath, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	output, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() { _ = output.Close() }()

	cmd.Stdout = output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

// Impl implements the engine Service interface.
type Impl struct {
	workDir  string
	fsRoots  []string
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new backup engine over DefaultWorkDir.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		workDir:  DefaultWorkDir,
		fsRoots:  defaultRoots,
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithWorkDir creates an engine with a custom work directory and
// executor (for testing).
func NewWithWorkDir(logger zerolog.Logger, workDir string, executor CommandExecutor) *Impl {
	return &Impl{
		workDir:  workDir,
		fsRoots:  defaultRoots,
		executor: executor,
		logger:   logger,
	}
}

// Run executes the backup. On resume, staging and already-shipped volumes
// from the interrupted session are reused.
func (s *Impl) Run(ctx context.Context, conf models.RunConfiguration, opts RunOptions) (*models.EngineResult, error) {
	start := time.Now()

	plan := parseOverrides(conf.Overrides)

	m, err := s.loadManifest(opts.Resume)
	if err != nil {
		return nil, err
	}

	full, err := s.isFullRun(conf.FullBackup)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = newManifest(full)
	}

	s.logger.Info().
		Str("session_id", m.SessionID).
		Bool("full", m.Full).
		Bool("resume", opts.Resume).
		Str("address", opts.Address).
		Msg("starting engine run")

	result := &models.EngineResult{SessionID: m.SessionID, Full: m.Full}

	// A resumed session keeps its staging as-is; restaging would shift
	// content across volume boundaries and invalidate shipped volumes.
	if !opts.Resume || len(m.Volumes) == 0 {
		staged, err := s.stage(ctx, conf, opts, plan, m)
		if err != nil {
			return nil, err
		}
		result.FilesStaged = staged

		if err := s.writeVolumes(conf, m); err != nil {
			return nil, err
		}
		if err := s.saveManifest(m); err != nil {
			return nil, err
		}
	}

	if opts.Debug {
		if err := s.debugShell(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("debug shell exited with error")
		}
	}

	if conf.Simulate {
		result.Duration = time.Since(start)
		s.logger.Info().Int("volumes", len(m.Volumes)).Msg("simulate: volumes staged, nothing shipped")
		return result, nil
	}

	shipped, skipped, bytes, err := s.ship(ctx, conf, opts, m)
	result.VolumesShipped = shipped
	result.VolumesSkipped = skipped
	result.BytesShipped = bytes
	if err != nil {
		return nil, err
	}

	if m.Full {
		if err := s.markFullRun(); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Int("shipped", result.VolumesShipped).
		Int("skipped", result.VolumesSkipped).
		Int64("bytes", result.BytesShipped).
		Dur("duration", result.Duration).
		Msg("engine run completed")

	return result, nil
}

// Cleanup removes the work directory. The last-full marker lives outside
// it and survives.
func (s *Impl) Cleanup() error {
	if err := os.RemoveAll(s.workDir); err != nil {
		return fmt.Errorf("cleaning up %s: %w", s.workDir, err)
	}
	return nil
}

// isFullRun decides full vs incremental from the last-full marker and the
// configured frequency.
func (s *Impl) isFullRun(frequency string) (bool, error) {
	every, err := models.ParseFrequency(frequency)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(s.lastFullPath())
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) >= every, nil
}

// lastFull returns the time of the last full backup, or zero when none.
func (s *Impl) lastFull() time.Time {
	info, err := os.Stat(s.lastFullPath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (s *Impl) markFullRun() error {
	path := s.lastFullPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	now := time.Now()
	if err := os.WriteFile(path, []byte(now.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Chtimes(path, now, now)
}

// The marker sits next to the work dir so Cleanup does not erase it.
func (s *Impl) lastFullPath() string {
	return strings.TrimRight(s.workDir, "/") + ".lastfull"
}

// debugShell drops into $SHELL before anything is shipped, so the staged
// backup can be inspected interactively.
func (s *Impl) debugShell(ctx context.Context) error {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	fmt.Printf("dropping into %s before shipping; exit to continue\n", shell)
	cmd := exec.CommandContext(ctx, shell)
	cmd.Dir = s.workDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
