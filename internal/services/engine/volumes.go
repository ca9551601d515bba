package engine

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/hubbak/hubbak/internal/models"
	"github.com/klauspost/compress/zstd"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const manifestName = "manifest.yaml"

// manifest is the engine's resumable state: which volumes exist and which
// already made it to the target.
type manifest struct {
	SessionID string        `yaml:"session_id"`
	StartedAt time.Time     `yaml:"started_at"`
	Full      bool          `yaml:"full"`
	Volumes   []volumeEntry `yaml:"volumes"`
}

type volumeEntry struct {
	Name    string `yaml:"name"`
	Size    int64  `yaml:"size"`
	Shipped bool   `yaml:"shipped"`
}

func newManifest(full bool) *manifest {
	return &manifest{
		SessionID: uuid.NewString(),
		StartedAt: time.Now(),
		Full:      full,
	}
}

func (s *Impl) manifestPath() string { return filepath.Join(s.workDir, manifestName) }

// loadManifest returns the interrupted session's manifest when resuming,
// nil otherwise.
func (s *Impl) loadManifest(resume bool) (*manifest, error) {
	if !resume {
		return nil, nil
	}

	data, err := os.ReadFile(s.manifestPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

func (s *Impl) saveManifest(m *manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	tmp := s.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return os.Rename(tmp, s.manifestPath())
}

// writeVolumes packs the staging tree into volumes of roughly volsize MB
// of raw content each. Every volume is an independent tar stream,
// zstd-compressed and age-encrypted with the secret file passphrase, so
// shipped volumes stay valid if a later one is interrupted.
func (s *Impl) writeVolumes(conf models.RunConfiguration, m *manifest) error {
	volDir := filepath.Join(s.workDir, "volumes")
	if err := os.MkdirAll(volDir, 0o700); err != nil {
		return err
	}

	recipient, err := s.recipient(conf.SecretFile)
	if err != nil {
		return err
	}

	stageDir := filepath.Join(s.workDir, "staging")
	limit := int64(conf.VolSizeMB) * 1024 * 1024

	w := &volumeWriter{dir: volDir, limit: limit, recipient: recipient}

	err = filepath.WalkDir(stageDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stageDir, path)
		if err != nil {
			return err
		}
		return w.add(path, rel)
	})
	if err != nil {
		_ = w.close()
		return fmt.Errorf("writing volumes: %w", err)
	}
	if err := w.close(); err != nil {
		return err
	}

	m.Volumes = w.entries
	s.logger.Info().Int("volumes", len(m.Volumes)).Msg("volumes written")
	return nil
}

// recipient loads the encryption recipient from the secret file. A missing
// secret means volumes ship unencrypted, loudly.
func (s *Impl) recipient(secretFile string) (age.Recipient, error) {
	if secretFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(secretFile)
	if os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: backup secret not found, volumes will NOT be encrypted")
		s.logger.Warn().Str("secretfile", secretFile).Msg("backup secret not found, volumes will not be encrypted")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}

	recipient, err := age.NewScryptRecipient(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	return recipient, nil
}

// volumeWriter accumulates files into the current volume and rotates to a
// new one when the raw content size crosses the limit.
type volumeWriter struct {
	dir       string
	limit     int64
	recipient age.Recipient

	entries []volumeEntry

	f   *os.File
	enc io.WriteCloser // nil when unencrypted
	zw  *zstd.Encoder
	tw  *tar.Writer
	raw int64
}

func (w *volumeWriter) add(path, name string) error {
	if w.tw == nil {
		if err := w.open(); err != nil {
			return err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name

	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(w.tw, f)
	_ = f.Close()
	if err != nil {
		return err
	}

	w.raw += info.Size()
	if w.raw >= w.limit {
		return w.rotate()
	}
	return nil
}

func (w *volumeWriter) open() error {
	name := fmt.Sprintf("vol-%04d.tar.zst", len(w.entries)+1)
	if w.recipient != nil {
		name += ".age"
	}

	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return err
	}
	w.f = f

	var sink io.Writer = f
	if w.recipient != nil {
		enc, err := age.Encrypt(f, w.recipient)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("encrypting volume: %w", err)
		}
		w.enc = enc
		sink = enc
	}

	zw, err := zstd.NewWriter(sink)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("compressing volume: %w", err)
	}
	w.zw = zw
	w.tw = tar.NewWriter(zw)
	w.raw = 0
	return nil
}

func (w *volumeWriter) rotate() error {
	name := filepath.Base(w.f.Name())

	if err := w.tw.Close(); err != nil {
		return err
	}
	if err := w.zw.Close(); err != nil {
		return err
	}
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			return err
		}
	}
	if err := w.f.Close(); err != nil {
		return err
	}

	info, err := os.Stat(filepath.Join(w.dir, name))
	if err != nil {
		return err
	}
	w.entries = append(w.entries, volumeEntry{Name: name, Size: info.Size()})

	w.f, w.enc, w.zw, w.tw = nil, nil, nil, nil
	return nil
}

func (w *volumeWriter) close() error {
	if w.tw == nil {
		return nil
	}
	return w.rotate()
}

// ship uploads unshipped volumes to the target address, up to the
// configured number in parallel. Already-shipped volumes from a resumed
// session are skipped.
func (s *Impl) ship(ctx context.Context, conf models.RunConfiguration, opts RunOptions, m *manifest) (shipped, skipped int, bytes int64, err error) {
	pending := 0
	for _, v := range m.Volumes {
		if v.Shipped {
			skipped++
		} else {
			pending++
		}
	}
	if pending == 0 {
		return 0, skipped, 0, nil
	}

	var bar *progressbar.ProgressBar
	if conf.Verbose {
		bar = progressbar.Default(int64(pending), "shipping volumes")
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conf.S3ParallelUploads)

	for i := range m.Volumes {
		if m.Volumes[i].Shipped {
			continue
		}
		v := &m.Volumes[i]

		g.Go(func() error {
			src := filepath.Join(s.workDir, "volumes", v.Name)
			if err := s.shipVolume(gctx, opts, src, v.Name); err != nil {
				return fmt.Errorf("shipping %s: %w", v.Name, err)
			}

			mu.Lock()
			defer mu.Unlock()
			v.Shipped = true
			shipped++
			bytes += v.Size
			if bar != nil {
				_ = bar.Add(1)
			}
			// Persist after every volume so a resumed session knows what
			// already made it.
			return s.saveManifest(m)
		})
	}

	if werr := g.Wait(); werr != nil {
		return shipped, skipped, bytes, werr
	}
	return shipped, skipped, bytes, nil
}

// shipVolume delivers one volume to the address. file:// targets are
// copied locally; s3:// targets go through the aws tool with the
// negotiated credentials.
func (s *Impl) shipVolume(ctx context.Context, opts RunOptions, src, name string) error {
	u, err := url.Parse(opts.Address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", opts.Address, err)
	}

	switch u.Scheme {
	case "file", "":
		dstDir := u.Path
		if u.Scheme == "" {
			dstDir = opts.Address
		}
		if err := os.MkdirAll(dstDir, 0o700); err != nil {
			return err
		}
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		return copyFile(src, filepath.Join(dstDir, name), info)

	case "s3":
		var env []string
		if opts.Credentials != nil {
			env = append(env,
				"AWS_ACCESS_KEY_ID="+opts.Credentials.AccessKey,
				"AWS_SECRET_ACCESS_KEY="+opts.Credentials.SecretKey,
			)
			if opts.Credentials.SessionToken != "" {
				env = append(env, "AWS_SESSION_TOKEN="+opts.Credentials.SessionToken)
			}
		}
		// Absent credentials are allowed here; the upload fails with an
		// auth error and that failure is this engine's to report.
		dst := strings.TrimRight(opts.Address, "/") + "/" + name
		return s.executor.ExecuteToFile(ctx, env, os.DevNull, "aws", "s3", "cp", src, dst)

	default:
		return fmt.Errorf("unsupported address scheme %q", u.Scheme)
	}
}
