package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hubbak/hubbak/internal/config"
	"github.com/hubbak/hubbak/internal/hub"
	"github.com/hubbak/hubbak/internal/lock"
	"github.com/hubbak/hubbak/internal/registry"
	"github.com/hubbak/hubbak/internal/services/negotiator"
	"github.com/hubbak/hubbak/internal/services/session"
	"github.com/hubbak/hubbak/internal/services/supervisor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	defaultLogfile       = "/var/log/hubbak-backup"
	applianceVersionPath = "/etc/hubbak/appliance-version"
)

var (
	optResume  bool
	optDebug   bool
	optLogfile string
)

var backupCmd = &cobra.Command{
	Use:   "backup [ override ... ]",
	Short: "Back up this machine",
	Long: `Back up this machine to the negotiated target.

Override arguments select what to back up on top of the configured defaults:

  /path/to/include      include a filesystem tree
  -/path/to/exclude     exclude a filesystem tree
  mysql:database[/table] include a database (or a single table)

Resolution order for configurable options:

  1) command line (highest precedence)
  2) configuration file
  3) built-in default (lowest precedence)`,
	RunE: runBackup,
}

func init() {
	f := backupCmd.Flags()

	f.BoolVar(&optResume, "resume", false, "resume previously interrupted backup session")
	f.BoolVar(&optDebug, "debug", false, "run $SHELL before shipping (bypasses output capture)")
	f.StringVar(&optLogfile, "logfile", defaultLogfile, "path of file to log session output to")

	f.BoolP("simulate", "s", false, "simulate operation, don't actually ship anything")
	f.String("address", "", "manual backup target URL (default: configured via the Hub)")
	f.String("profile", "", "explicit appliance profile reference")
	f.String("secretfile", "", "file containing the backup encryption secret")
	f.Int("volsize", config.DefaultVolSizeMB, "size of backup volume in MB")
	f.Int("s3-parallel-uploads", config.DefaultS3ParallelUploads, "number of parallel volume uploads")
	f.String("full-backup", config.DefaultFullBackup, "time frequency of full backup, <int>[DWM] (e.g. 3D, 2W, 1M)")
	f.Bool("skip-files", false, "don't back up the filesystem")
	f.Bool("skip-database", false, "don't back up databases")
	f.Bool("skip-packages", false, "don't back up new packages")
}

//nolint:gocyclo // the session spine is sequential by design
func runBackup(cmd *cobra.Command, args []string) error {
	resolver := config.NewResolver()
	if err := resolver.BindFlags(cmd.Flags()); err != nil {
		return err
	}

	reg, err := registry.New(stateDir)
	if err != nil {
		return err
	}

	conf, err := resolver.Load(configFile, args)
	if err != nil {
		return err
	}
	if conf.SecretFile == "" {
		conf.SecretFile = reg.SecretPath()
	}

	if cmd.Flags().Changed("logfile") {
		if err := config.ValidateLogfile(optLogfile); err != nil {
			return err
		}
	}

	// Nothing mutates before the lock: a losing second invocation leaves
	// no trace in the registry and never contacts the Hub.
	lk, err := lock.Acquire(lock.DefaultPath)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	if conf.S3ParallelUploads > 1 && conf.S3ParallelUploads > conf.VolSizeMB/5 {
		fmt.Fprintln(os.Stderr, "warning: s3-parallel-uploads > volsize / 5 (minimum upload chunk is 5MB)")
	}

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	hubClient := hub.New(log.Logger, reg.SubAPIKey())

	neg := negotiator.New(log.Logger, hubClient, reg, applianceVersion())
	negotiated, err := neg.Negotiate(ctx, conf)
	if err != nil {
		return err
	}

	decision, err := session.New(log.Logger, reg).Resolve(conf, optResume)
	if err != nil {
		return err
	}
	conf = decision.Conf

	log.Info().
		Str("address", conf.Address).
		Bool("resume", decision.Resume).
		Bool("simulate", conf.Simulate).
		Msg("session accepted")

	sup := supervisor.New(log.Logger, hubClient, reg)
	return sup.Run(ctx, supervisor.Params{
		Conf:        conf,
		Resume:      decision.Resume,
		Debug:       optDebug,
		LogfilePath: optLogfile,
		Profile:     negotiated.Profile,
		Credentials: negotiated.Credentials,
		Record:      negotiated.Record,
		Address:     conf.Address,
	})
}

// applianceVersion identifies the running appliance to the Hub.
func applianceVersion() string {
	data, err := os.ReadFile(applianceVersionPath)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}
