package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

type gateFunc func(ctx context.Context) error

// localName is the staging path fd is written to before collisions are
// resolved. Native documents get their export extension.
func localName(fd backup.FileDescriptor) (string, error) {
	rel := SanitizePath(fd.RelativePath)
	if !backup.IsNative(fd.MimeType) {
		return rel, nil
	}
	target, err := backup.ExportFor(fd.MimeType)
	if err != nil {
		return "", fmt.Errorf("%s: %w", fd.MimeType, err)
	}
	if !strings.EqualFold(path.Ext(rel), target.Extension) {
		rel = capLast(rel + target.Extension)
	}
	return rel, nil
}

// fetch writes one file to rel below dest and returns its size. A partially
// written file is removed on failure.
func (c *Coordinator) fetch(ctx context.Context, dest, rel string, fd backup.FileDescriptor, gate gateFunc) (int64, error) {
	id, mimeType := fd.RemoteID, fd.MimeType
	if mimeType == backup.MimeShortcut {
		target, err := c.resolveShortcut(ctx, id)
		if err != nil {
			return 0, err
		}
		id, mimeType = target.ID, target.MimeType
	}
	var export *backup.ExportTarget
	if backup.IsNative(mimeType) {
		target, err := backup.ExportFor(mimeType)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", mimeType, err)
		}
		export = &target
	}

	local := filepath.Join(dest, filepath.FromSlash(rel))
	if err := c.fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	f, err := c.fs.OpenFile(local, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	var n int64
	if export != nil {
		n, err = c.exportTo(ctx, f, id, export.MimeType, gate)
	} else {
		n, err = c.downloadTo(ctx, f, id, gate)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close file: %w", closeErr)
	}
	if err != nil {
		if rmErr := c.fs.Remove(local); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn("remove partial file", zap.String("path", local), zap.Error(rmErr))
		}
		return 0, err
	}
	return n, nil
}

// downloadTo streams id into w, resuming from the bytes already written
// whenever a transient failure interrupts the stream.
func (c *Coordinator) downloadTo(ctx context.Context, w io.Writer, id string, gate gateFunc) (int64, error) {
	var written int64
	buf := make([]byte, c.cfg.ChunkSize)
	err := c.client.Do(ctx, "download", func(ctx context.Context) error {
		body, err := c.client.Store().Download(ctx, id, written)
		if err != nil {
			return err
		}
		defer body.Close()
		return copyChunks(ctx, w, body, buf, &written, gate)
	})
	if err != nil {
		return written, fmt.Errorf("download %s: %w", id, err)
	}
	return written, nil
}

// exportTo streams a converted document. Exports cannot be resumed, so a
// retry truncates the file and starts over.
func (c *Coordinator) exportTo(ctx context.Context, f afero.File, id, mimeType string, gate gateFunc) (int64, error) {
	var written int64
	buf := make([]byte, c.cfg.ChunkSize)
	err := c.client.Do(ctx, "export", func(ctx context.Context) error {
		if written > 0 {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind: %w", err)
			}
			if err := f.Truncate(0); err != nil {
				return fmt.Errorf("truncate: %w", err)
			}
			written = 0
		}
		body, err := c.client.Store().Export(ctx, id, mimeType)
		if err != nil {
			return err
		}
		defer body.Close()
		return copyChunks(ctx, f, body, buf, &written, gate)
	})
	if err != nil {
		return written, fmt.Errorf("export %s: %w", id, err)
	}
	return written, nil
}

func copyChunks(ctx context.Context, w io.Writer, r io.Reader, buf []byte, written *int64, gate gateFunc) error {
	for {
		if err := gate(ctx); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			*written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (c *Coordinator) resolveShortcut(ctx context.Context, id string) (backup.RemoteItem, error) {
	item, err := c.client.GetMetadata(ctx, id)
	if err != nil {
		return backup.RemoteItem{}, err
	}
	if !item.IsShortcut() {
		return item, nil
	}
	target, err := c.client.GetMetadata(ctx, item.ShortcutTargetID)
	if err != nil {
		return backup.RemoteItem{}, fmt.Errorf("resolve shortcut %s: %w", id, err)
	}
	if target.IsShortcut() || target.IsFolder() {
		return backup.RemoteItem{}, fmt.Errorf("shortcut %s does not point at a file", id)
	}
	return target, nil
}

// capLast re-applies the segment cap after an extension was appended.
func capLast(rel string) string {
	dir, base := path.Split(rel)
	return dir + capSegment(base)
}
