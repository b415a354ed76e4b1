package archive

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/progress"
)

var sevenZipBinaries = []string{"7z", "7za", "7zz"}

// sevenZip locates the external binary. 7z archives are written by a child
// process, so the archiver must be working on the OS filesystem.
func (a *Archiver) sevenZip() (string, error) {
	if _, ok := a.fs.(*afero.OsFs); !ok {
		return "", fmt.Errorf("%w: 7z needs the OS filesystem", backup.ErrFormatUnavailable)
	}
	candidates := sevenZipBinaries
	if a.cfg.SevenZipPath != "" {
		candidates = []string{a.cfg.SevenZipPath}
	}
	for _, name := range candidates {
		if p, err := a.lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s found", backup.ErrFormatUnavailable, strings.Join(candidates, ", "))
}

func (a *Archiver) build7z(ctx context.Context, spec Spec, rep Reporter) (Result, error) {
	if err := rep.Checkpoint(ctx); err != nil {
		return Result{}, err
	}
	bin, err := a.sevenZip()
	if err != nil {
		return Result{}, err
	}

	var input int64
	for _, rel := range spec.Files {
		info, err := a.fs.Stat(filepath.Join(spec.Root, filepath.FromSlash(rel)))
		if err != nil {
			return Result{}, fmt.Errorf("stat %s: %w", rel, err)
		}
		input += info.Size()
	}

	listFile := spec.Output + ".list"
	list := strings.Join(spec.Files, "\n") + "\n"
	if err := afero.WriteFile(a.fs, listFile, []byte(list), 0o600); err != nil {
		return Result{}, fmt.Errorf("write file list: %w", err)
	}
	defer func() { _ = a.fs.Remove(listFile) }()

	output, err := filepath.Abs(spec.Output)
	if err != nil {
		return Result{}, fmt.Errorf("resolve output: %w", err)
	}
	absList, err := filepath.Abs(listFile)
	if err != nil {
		return Result{}, fmt.Errorf("resolve list: %w", err)
	}
	args := []string{
		"a", "-t7z",
		fmt.Sprintf("-mx=%d", sevenZipLevel(spec.Level)),
		"-y", "-bd", "-scsUTF-8",
		output, "@" + absList,
	}
	rep.Report(progress.Delta{Message: fmt.Sprintf("compressing %d files with 7z", len(spec.Files))})

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = spec.Root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	a.logger.Debug("running 7z", zap.String("bin", bin), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %w", backup.ErrCanceled, ctx.Err())
		}
		return Result{}, fmt.Errorf("7z failed: %w: %s", err, strings.TrimSpace(out.String()))
	}
	return Result{Files: len(spec.Files), InputBytes: input}, nil
}
