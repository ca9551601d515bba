package engine

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hubbak/hubbak/internal/models"
)

// defaultRoots are the filesystem trees backed up when no include
// overrides are given.
var defaultRoots = []string{"/etc", "/root", "/home", "/srv", "/usr/local", "/var/www"}

// backupPlan is the parsed override set.
type backupPlan struct {
	includes  []string
	excludes  []string
	databases []dbSelector
}

type dbSelector struct {
	database string
	table    string
}

// parseOverrides splits override tokens into include paths, exclude paths
// and database selectors:
//
//	/path/to/include    -/path/to/exclude    mysql:database[/table]
func parseOverrides(overrides []string) backupPlan {
	var plan backupPlan
	for _, token := range overrides {
		switch {
		case strings.HasPrefix(token, "mysql:"):
			spec := strings.TrimPrefix(token, "mysql:")
			sel := dbSelector{database: spec}
			if db, table, ok := strings.Cut(spec, "/"); ok {
				sel = dbSelector{database: db, table: table}
			}
			plan.databases = append(plan.databases, sel)
		case strings.HasPrefix(token, "-"):
			plan.excludes = append(plan.excludes, strings.TrimPrefix(token, "-"))
		default:
			plan.includes = append(plan.includes, token)
		}
	}
	return plan
}

// stage collects file, database and package material under the staging
// directory, honoring skip flags and the full/incremental decision.
func (s *Impl) stage(ctx context.Context, conf models.RunConfiguration, opts RunOptions, plan backupPlan, m *manifest) (int, error) {
	stageDir := filepath.Join(s.workDir, "staging")
	if err := os.MkdirAll(stageDir, 0o700); err != nil {
		return 0, fmt.Errorf("creating staging directory: %w", err)
	}

	staged := 0
	if !conf.SkipFiles {
		n, err := s.stageFiles(ctx, stageDir, opts, plan, m)
		if err != nil {
			return 0, err
		}
		staged += n
	}
	if !conf.SkipDatabase {
		n, err := s.stageDatabases(ctx, stageDir, plan)
		if err != nil {
			return 0, err
		}
		staged += n
	}
	if !conf.SkipPackages {
		n, err := s.stagePackages(ctx, stageDir, opts.Profile)
		if err != nil {
			return 0, err
		}
		staged += n
	}

	s.logger.Info().Int("files", staged).Msg("staging complete")
	return staged, nil
}

// stageFiles copies the included trees under staging/fs, preserving
// absolute paths. Incremental runs only take files modified since the last
// full backup.
func (s *Impl) stageFiles(ctx context.Context, stageDir string, opts RunOptions, plan backupPlan, m *manifest) (int, error) {
	roots := append(slices.Clone(s.fsRoots), plan.includes...)

	skip := slices.Clone(plan.excludes)
	if opts.Profile != nil {
		// Stock trees are reproducible from the appliance image; the
		// profile tells us which ones to leave out of the delta.
		skip = append(skip, opts.Profile.StockDirs...)
	}

	var since time.Time
	if !m.Full {
		since = s.lastFull()
	}

	count := 0
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == root {
					return filepath.SkipAll
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if underAny(path, skip) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			if !since.IsZero() && info.ModTime().Before(since) {
				return nil
			}

			if err := copyFile(path, filepath.Join(stageDir, "fs", path), info); err != nil {
				return err
			}
			count++
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("staging %s: %w", root, err)
		}
	}
	return count, nil
}

// stageDatabases dumps the selected databases (or all of them) via
// mysqldump into staging/db.
func (s *Impl) stageDatabases(ctx context.Context, stageDir string, plan backupPlan) (int, error) {
	dbDir := filepath.Join(stageDir, "db")
	if err := os.MkdirAll(dbDir, 0o700); err != nil {
		return 0, err
	}

	if len(plan.databases) == 0 {
		out := filepath.Join(dbDir, "all-databases.sql")
		if err := s.executor.ExecuteToFile(ctx, nil, out, "mysqldump", "--all-databases"); err != nil {
			return 0, fmt.Errorf("dumping databases: %w", err)
		}
		return 1, nil
	}

	for _, sel := range plan.databases {
		name := sel.database
		args := []string{sel.database}
		if sel.table != "" {
			name += "-" + sel.table
			args = append(args, sel.table)
		}

		out := filepath.Join(dbDir, name+".sql")
		if err := s.executor.ExecuteToFile(ctx, nil, out, "mysqldump", args...); err != nil {
			return 0, fmt.Errorf("dumping %s: %w", sel.database, err)
		}
	}
	return len(plan.databases), nil
}

// stagePackages records the packages installed beyond the profile's stock
// set, so a restore can reinstall them.
func (s *Impl) stagePackages(ctx context.Context, stageDir string, profile *models.Profile) (int, error) {
	output, err := s.executor.Execute(ctx, "dpkg-query", "-W", "-f", "${Package}\n")
	if err != nil {
		return 0, fmt.Errorf("listing packages: %w", err)
	}

	stock := make(map[string]bool)
	if profile != nil {
		for _, p := range profile.Packages {
			stock[p] = true
		}
	}

	var newPackages []string
	for _, pkg := range strings.Split(string(output), "\n") {
		pkg = strings.TrimSpace(pkg)
		if pkg != "" && !stock[pkg] {
			newPackages = append(newPackages, pkg)
		}
	}

	pkgDir := filepath.Join(stageDir, "packages")
	if err := os.MkdirAll(pkgDir, 0o700); err != nil {
		return 0, err
	}

	content := strings.Join(newPackages, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "newpkgs.txt"), []byte(content), 0o600); err != nil {
		return 0, err
	}
	return 1, nil
}

func underAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimRight(p, "/")+"/") {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, info fs.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
