package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/procmgr"
	"github.com/MrSnakeDoc/cutover/internal/utils"
)

const (
	// copyBatch is the number of directory entries copied concurrently.
	copyBatch = 50
	// streamThreshold is the size above which files are streamed rather than
	// read whole.
	streamThreshold = 10 << 20
)

// Plan describes how the running directory is assembled from the source.
type Plan struct {
	SourceDir     string
	TargetDir     string
	SymlinkPaths  []string
	CopyPaths     []string
	CriticalFiles []string
}

// Report lists what a Stage call did.
type Report struct {
	Linked          []string
	Copied          []string
	Skipped         []string // configured but missing in the source
	MissingCritical []string
}

// Stager assembles the running directory.
type Stager struct {
	runner   procmgr.Runner
	logger   logger.Logger
	rsyncBin string
}

// NewStager builds a Stager. An empty rsyncBin disables rsync and Sync goes
// straight to cp.
func NewStager(runner procmgr.Runner, log logger.Logger, rsyncBin string) *Stager {
	return &Stager{runner: runner, logger: log, rsyncBin: rsyncBin}
}

// Stage recreates the target directory, links the symlink paths, copies the
// copy paths and checks the critical files. Missing critical files only warn.
func (s *Stager) Stage(ctx context.Context, p Plan) (Report, error) {
	var rep Report
	s.logger.Info("staging files",
		logger.String("source", p.SourceDir),
		logger.String("target", p.TargetDir))

	if err := s.Prepare(p.TargetDir); err != nil {
		return rep, err
	}

	for _, name := range p.SymlinkPaths {
		src := filepath.Join(p.SourceDir, name)
		if !exists(src) {
			s.logger.Warn("symlink source missing", logger.String("path", name))
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		if err := s.Symlink(src, filepath.Join(p.TargetDir, name)); err != nil {
			return rep, err
		}
		s.logger.Debug("symlink created", logger.String("path", name))
		rep.Linked = append(rep.Linked, name)
	}

	for _, name := range p.CopyPaths {
		src := filepath.Join(p.SourceDir, name)
		dest := filepath.Join(p.TargetDir, name)
		info, err := os.Stat(src)
		if err != nil {
			s.logger.Warn("copy source missing", logger.String("path", name))
			rep.Skipped = append(rep.Skipped, name)
			continue
		}

		if info.IsDir() && exists(dest) {
			err = s.Sync(ctx, src, dest)
		} else {
			err = s.CopyTree(ctx, src, dest)
		}
		if err != nil {
			return rep, err
		}
		s.logger.Debug("copied", logger.String("path", name))
		rep.Copied = append(rep.Copied, name)
	}

	for _, name := range p.CriticalFiles {
		if !exists(filepath.Join(p.TargetDir, name)) {
			s.logger.Error("critical file missing from running directory", logger.String("file", name))
			rep.MissingCritical = append(rep.MissingCritical, name)
		}
	}
	if len(rep.MissingCritical) > 0 {
		s.logger.Warn("some critical files are missing, the deployment may fail",
			logger.Strings("missing", rep.MissingCritical))
	}

	s.logger.Info("staging complete",
		logger.Int("linked", len(rep.Linked)),
		logger.Int("copied", len(rep.Copied)))
	return rep, nil
}

// Prepare removes dir when present and creates it empty.
func (s *Stager) Prepare(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// Symlink points dest at src with a relative link, replacing whatever dest
// currently is.
func (s *Stager) Symlink(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("symlink %s: %w", dest, err)
	}
	if _, err := os.Lstat(dest); err == nil {
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("symlink %s: failed to remove existing entry: %w", dest, err)
		}
	}

	absSrc, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("symlink %s: %w", dest, err)
	}
	absDir, err := filepath.Abs(filepath.Dir(dest))
	if err != nil {
		return fmt.Errorf("symlink %s: %w", dest, err)
	}
	rel, err := filepath.Rel(absDir, absSrc)
	if err != nil {
		return fmt.Errorf("symlink %s: %w", dest, err)
	}
	if err := os.Symlink(rel, dest); err != nil {
		return fmt.Errorf("symlink %s: %w", dest, err)
	}
	return nil
}

// CopyTree copies src (file, link or directory) to dest. Directory entries
// are copied in concurrent batches.
func (s *Stager) CopyTree(ctx context.Context, src, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
		_ = os.Remove(dest)
		if err := os.Symlink(target, dest); err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
		return nil
	case info.IsDir():
		return s.copyDir(ctx, src, dest, info.Mode().Perm())
	default:
		return copyFile(src, dest, info)
	}
}

func (s *Stager) copyDir(ctx context.Context, src, dest string, perm fs.FileMode) error {
	if err := os.MkdirAll(dest, perm|0o700); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}

	for i := 0; i < len(entries); i += copyBatch {
		batch := entries[i:min(i+copyBatch, len(entries))]
		g, gctx := errgroup.WithContext(ctx)
		for _, e := range batch {
			e := e
			g.Go(func() error {
				return s.CopyTree(gctx, filepath.Join(src, e.Name()), filepath.Join(dest, e.Name()))
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dest string, info fs.FileInfo) error {
	if info.Size() <= streamThreshold {
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
		if err := os.WriteFile(dest, data, info.Mode().Perm()); err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer utils.Close(in)

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		utils.Close(out)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

// Sync mirrors the contents of src into dest with rsync -az --delete, falling
// back to cp -R when rsync is unavailable or fails.
func (s *Stager) Sync(ctx context.Context, src, dest string) error {
	var rsyncErr error
	if s.rsyncBin != "" {
		_, rsyncErr = s.runner.Run(ctx, procmgr.Command{
			Name: s.rsyncBin,
			Args: []string{"-az", "--delete", src + "/", dest + "/"},
		})
		if rsyncErr == nil {
			return nil
		}
		s.logger.Warn("rsync failed, falling back to cp", logger.Error(rsyncErr))
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("sync %s: %w", src, err)
	}
	_, cpErr := s.runner.Run(ctx, procmgr.Command{
		Name: "cp",
		Args: []string{"-R", src + "/.", dest + "/"},
	})
	if cpErr != nil {
		return fmt.Errorf("sync %s: %w", src, errors.Join(rsyncErr, cpErr))
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
