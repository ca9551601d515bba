// Package session decides whether a run is a fresh or resumed session and
// which configuration governs it.
package session

import (
	"fmt"

	"github.com/hubbak/hubbak/internal/models"
	"github.com/hubbak/hubbak/internal/registry"
	"github.com/rs/zerolog"
)

// Decision is the outcome of session resolution.
type Decision struct {
	// Conf is the configuration governing the run. On explicit resume it
	// is the stored one, wholesale: resume means "continue exactly what
	// was interrupted", not "continue with new parameters".
	Conf   *models.RunConfiguration
	Resume bool
}

// Service defines the interface for session resolution.
type Service interface {
	Resolve(conf *models.RunConfiguration, explicitResume bool) (*Decision, error)
}

// Impl implements the session Service interface.
type Impl struct {
	reg    *registry.Store
	logger zerolog.Logger
}

// New creates a new session resolver.
func New(logger zerolog.Logger, reg *registry.Store) *Impl {
	return &Impl{reg: reg, logger: logger}
}

// Resolve applies the resume state machine and re-arms the registry's
// resumable-configuration slot: the slot is cleared unconditionally, then
// set to the accepted configuration unless simulating. An interrupted run
// is therefore detectable by the next invocation through configuration
// equality.
func (s *Impl) Resolve(conf *models.RunConfiguration, explicitResume bool) (*Decision, error) {
	stored, err := s.reg.ResumeConf()
	if err != nil {
		return nil, err
	}

	decision := &Decision{Conf: conf}

	if explicitResume {
		if conf.Simulate {
			return nil, fmt.Errorf("--resume and --simulate are incompatible")
		}
		if stored == nil {
			return nil, fmt.Errorf("no previous backup session to resume from")
		}
		decision.Conf = stored
		decision.Resume = true
	} else if !conf.Simulate && stored.Equal(conf) {
		// Same inputs as the interrupted session: implicit resume. The
		// working configuration is already correct, no replacement needed.
		decision.Resume = true
	}

	if decision.Resume {
		fmt.Println("attempting to resume aborted backup session")
		s.logger.Info().Msg("resuming aborted backup session")
	}

	if err := s.reg.ClearResumeConf(); err != nil {
		return nil, err
	}
	if !decision.Conf.Simulate {
		if err := s.reg.SetResumeConf(decision.Conf); err != nil {
			return nil, err
		}
	}

	return decision, nil
}
