// Package negotiator reconciles locally cached state with the Hub to
// obtain the appliance profile, storage credentials and backup record for
// one session.
//
// Every step follows the same tolerance rule: prefer a stale local value
// over blocking the backup entirely, except where staleness would be unsafe
// (subscription invalidity, explicit record invalidation).
package negotiator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hubbak/hubbak/internal/hub"
	"github.com/hubbak/hubbak/internal/models"
	"github.com/hubbak/hubbak/internal/registry"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Result is the negotiated session state.
type Result struct {
	Profile     *models.Profile
	Credentials *models.Credentials // may be nil; the engine surfaces auth failures
	Record      *models.BackupRecord

	// Address is where archive volumes are shipped: the record's address
	// unless a manual one was supplied.
	Address string
}

// Service defines the interface for Hub negotiation.
type Service interface {
	Negotiate(ctx context.Context, conf *models.RunConfiguration) (*Result, error)
}

// Impl implements the negotiator Service interface.
type Impl struct {
	hubClient hub.Client
	reg       *registry.Store
	version   string
	logger    zerolog.Logger
	warn      func(msg string)
}

// New creates a new negotiator. version identifies the running appliance.
func New(logger zerolog.Logger, hubClient hub.Client, reg *registry.Store, version string) *Impl {
	return &Impl{
		hubClient: hubClient,
		reg:       reg,
		version:   version,
		logger:    logger,
		warn: func(msg string) {
			fmt.Fprintln(os.Stderr, "warning: "+msg)
		},
	}
}

// NewWithWarn creates a negotiator with a custom warning sink (for testing).
func NewWithWarn(logger zerolog.Logger, hubClient hub.Client, reg *registry.Store, version string, warn func(msg string)) *Impl {
	n := New(logger, hubClient, reg, version)
	n.warn = warn
	return n
}

// Negotiate runs the three-step sequence: profile, credentials, backup
// record. Credential and record negotiation are skipped entirely when the
// caller supplied a manual target address.
func (n *Impl) Negotiate(ctx context.Context, conf *models.RunConfiguration) (*Result, error) {
	result := &Result{}

	if conf.ProfileID != "" {
		profile, err := n.resolveExplicitProfile(conf.ProfileID)
		if err != nil {
			return nil, err
		}
		result.Profile = profile
	} else {
		profile, err := n.negotiateProfile(ctx)
		if err != nil {
			return nil, err
		}
		result.Profile = profile
	}

	if conf.Address != "" {
		// Manual target: the Hub has no say in where volumes go.
		result.Address = conf.Address
		return result, nil
	}

	creds, err := n.negotiateCredentials(ctx)
	if err != nil {
		return nil, err
	}
	result.Credentials = creds

	record, err := n.negotiateRecord(ctx)
	if err != nil {
		return nil, err
	}
	result.Record = record
	result.Address = record.Address

	// The record's address is authoritative for the rest of the session.
	// Pinning it into the configuration stores it with the resumable slot,
	// so a resumed session ships its remaining volumes to the same place
	// even if the Hub has since issued a different record.
	conf.Address = result.Address

	return result, nil
}

// resolveExplicitProfile resolves a --profile reference: a path to a
// profile file, or the ID of the cached profile. An unresolvable reference
// is fatal; silently running without stock filtering would stage far more
// than intended.
func (n *Impl) resolveExplicitProfile(ref string) (*models.Profile, error) {
	data, err := os.ReadFile(ref)
	switch {
	case err == nil:
		var p models.Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing profile %s: %w", ref, err)
		}
		if err := n.reg.SetProfile(&p); err != nil {
			return nil, err
		}
		n.logger.Info().Str("profile", p.ID).Str("path", ref).Msg("using explicit profile")
		return &p, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading profile %s: %w", ref, err)
	}

	cached, cerr := n.reg.Profile()
	if cerr != nil {
		return nil, cerr
	}
	if cached != nil && cached.ID == ref {
		return cached, nil
	}
	return nil, fmt.Errorf("cannot resolve profile %q: not a profile file and not cached", ref)
}

// negotiateProfile requests a profile newer than the cached timestamp. A
// Hub failure is fatal only when no cached profile exists.
func (n *Impl) negotiateProfile(ctx context.Context) (*models.Profile, error) {
	cached, err := n.reg.Profile()
	if err != nil {
		return nil, err
	}

	var since time.Time
	if cached != nil {
		since = cached.Timestamp
	}

	fresh, err := n.hubClient.GetNewProfile(ctx, n.version, since)
	if err != nil {
		if cached == nil {
			return nil, err
		}
		n.warn("using cached profile because of a Hub error: " + err.Error())
		return cached, nil
	}

	if fresh == nil {
		if cached == nil {
			return nil, fmt.Errorf("hub has no profile for appliance version %q", n.version)
		}
		return cached, nil
	}

	if err := n.reg.SetProfile(fresh); err != nil {
		return nil, err
	}
	n.logger.Info().Time("timestamp", fresh.Timestamp).Msg("profile updated from hub")
	return fresh, nil
}

// negotiateCredentials refreshes credentials opportunistically. A
// subscription-state error is never masked by cached data; any other
// failure degrades to the cache, or to no credentials at all.
func (n *Impl) negotiateCredentials(ctx context.Context) (*models.Credentials, error) {
	fresh, err := n.hubClient.GetCredentials(ctx)
	if err != nil {
		if hub.IsNotSubscribed(err) {
			return nil, err
		}

		n.warn(err.Error())
		cached, cerr := n.reg.Credentials()
		if cerr != nil {
			return nil, cerr
		}
		return cached, nil
	}

	if err := n.reg.SetCredentials(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// negotiateRecord revalidates the cached backup record, discarding it only
// on explicit invalidation, and creates a new record when none survives.
func (n *Impl) negotiateRecord(ctx context.Context) (*models.BackupRecord, error) {
	cached, err := n.reg.BackupRecord()
	if err != nil {
		return nil, err
	}

	if cached != nil {
		fresh, err := n.hubClient.GetBackupRecord(ctx, cached.BackupID)
		switch {
		case err == nil:
			cached = fresh
			if err := n.reg.SetBackupRecord(fresh); err != nil {
				return nil, err
			}
		case hub.IsInvalidBackup(err):
			n.warn("old backup record deleted, creating new ...")
			if err := n.reg.SetBackupRecord(nil); err != nil {
				return nil, err
			}
			cached = nil
		default:
			// The Hub may just be down; the cached address is probably
			// still usable offline.
			n.warn(err.Error())
		}
	}

	if cached == nil {
		fresh, err := n.hubClient.NewBackupRecord(ctx, n.reg.SessionKey(), n.version, n.reg.ServerID())
		if err != nil {
			return nil, err
		}
		if err := n.reg.SetBackupRecord(fresh); err != nil {
			return nil, err
		}
		n.logger.Info().Str("backup_id", fresh.BackupID).Str("address", fresh.Address).Msg("new backup record created")
		cached = fresh
	}

	return cached, nil
}
