// Package supervisor executes the backup engine under captured output with
// the run/cleanup contract: hooks bracket the run, the Hub sees in-progress
// state, and cleanup or preserved state is guaranteed on every exit path.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hubbak/hubbak/internal/capture"
	"github.com/hubbak/hubbak/internal/hub"
	"github.com/hubbak/hubbak/internal/models"
	"github.com/hubbak/hubbak/internal/registry"
	"github.com/hubbak/hubbak/internal/services/engine"
	"github.com/hubbak/hubbak/internal/services/hooks"
	"github.com/rs/zerolog"
)

// Params are the resolved session inputs for one supervised run.
type Params struct {
	Conf   *models.RunConfiguration
	Resume bool
	Debug  bool

	// LogfilePath receives the captured session output.
	LogfilePath string

	Profile     *models.Profile
	Credentials *models.Credentials
	Record      *models.BackupRecord // nil when a manual address was supplied
	Address     string
}

// Service defines the interface for the run/cleanup supervisor.
type Service interface {
	Run(ctx context.Context, p Params) error
}

// Impl implements the supervisor Service interface.
type Impl struct {
	engineSvc engine.Service
	hooksSvc  hooks.Service
	hubClient hub.Client
	reg       *registry.Store
	logger    zerolog.Logger
}

// New creates a new supervisor with the default engine and hook runner.
func New(logger zerolog.Logger, hubClient hub.Client, reg *registry.Store) *Impl {
	return &Impl{
		engineSvc: engine.New(logger),
		hooksSvc:  hooks.New(logger),
		hubClient: hubClient,
		reg:       reg,
		logger:    logger,
	}
}

// NewWithServices creates a supervisor with custom collaborators (for
// testing).
func NewWithServices(
	logger zerolog.Logger,
	engineSvc engine.Service,
	hooksSvc hooks.Service,
	hubClient hub.Client,
	reg *registry.Store,
) *Impl {
	return &Impl{
		engineSvc: engineSvc,
		hooksSvc:  hooksSvc,
		hubClient: hubClient,
		reg:       reg,
		logger:    logger,
	}
}

// Run executes the session. Engine failures propagate after best-effort
// cleanup, unless checkpoint-restore asks for the partial state to be
// preserved for a forensic resume.
func (s *Impl) Run(ctx context.Context, p Params) error {
	// In-progress bookkeeping only applies when the Hub owns the target.
	hubManaged := !p.Conf.Simulate && p.Record != nil && p.Record.Address == p.Address

	// Debug bypasses capture so an interactive shell can take over.
	var trap *capture.Trap
	if !p.Debug {
		var err error
		trap, err = capture.Start()
		if err != nil {
			return fmt.Errorf("capturing output: %w", err)
		}
	}

	runErr := s.supervised(ctx, p, hubManaged, trap)
	if runErr != nil {
		if p.Conf.CheckpointRestore {
			s.logger.Warn().Msg("checkpoint-restore set, preserving partial backup state")
		} else if cerr := s.engineSvc.Cleanup(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("cleanup after failure")
		}
		return runErr
	}

	if p.Conf.Simulate {
		fmt.Println("completed --simulate: leaving the staged backup intact so you can inspect it by hand")
		return nil
	}

	if err := s.engineSvc.Cleanup(); err != nil {
		return err
	}
	if err := s.reg.ClearResumeConf(); err != nil {
		return err
	}
	return s.hubClient.UpdatedBackup(ctx, p.Address)
}

// supervised is the guarded section: whatever happens inside, the Hub's
// in-progress flag is lowered and captured output lands in the logfile.
func (s *Impl) supervised(ctx context.Context, p Params, hubManaged bool, trap *capture.Trap) (err error) {
	defer func() {
		if hubManaged {
			if herr := s.hubClient.SetBackupInProgress(ctx, p.Record.BackupID, false); herr != nil {
				s.logger.Warn().Err(herr).Msg("clearing in-progress flag")
			}
		}
		if trap != nil {
			_ = trap.Close()
			s.appendLog(p.LogfilePath, trap.Bytes())
		}
	}()

	if err := s.hooksSvc.Pre(ctx); err != nil {
		return err
	}

	if hubManaged {
		if err := s.hubClient.SetBackupInProgress(ctx, p.Record.BackupID, true); err != nil {
			return err
		}
	}

	result, err := s.engineSvc.Run(ctx, *p.Conf, engine.RunOptions{
		Resume:      p.Resume,
		Debug:       p.Debug,
		Profile:     p.Profile,
		Credentials: p.Credentials,
		Address:     p.Address,
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("session_id", result.SessionID).
		Bool("full", result.Full).
		Int("volumes_shipped", result.VolumesShipped).
		Int64("bytes_shipped", result.BytesShipped).
		Msg("engine run finished")

	return s.hooksSvc.Post(ctx)
}

// appendLog appends a timestamped, delimited block of the captured output
// to the session log file.
func (s *Impl) appendLog(path string, output []byte) {
	if path == "" {
		return
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		s.logger.Warn().Err(err).Str("logfile", path).Msg("appending session log")
		return
	}
	defer func() { _ = f.Close() }()

	stamp := fmt.Sprintf("### %s ###", time.Now().Format(time.ANSIC))
	rule := strings.Repeat("#", len(stamp))
	fmt.Fprintf(f, "%s\n%s\n%s\n", rule, stamp, rule)
	_, _ = f.Write(output)
}
