package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

type tarGzContainer struct {
	gz *gzip.Writer
	tw *tar.Writer
}

func newTarGzContainer(w io.Writer, level int) (*tarGzContainer, error) {
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	return &tarGzContainer{gz: gz, tw: tar.NewWriter(gz)}, nil
}

func tarHeader(e *entry, size int64) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     e.name,
		Mode:     0o644,
		Size:     size,
		ModTime:  e.info.ModTime(),
		Format:   tar.FormatPAX,
	}
}

func (t *tarGzContainer) writeBuffered(e *entry) error {
	if err := t.tw.WriteHeader(tarHeader(e, int64(len(e.data)))); err != nil {
		return err
	}
	_, err := io.Copy(t.tw, bytes.NewReader(e.data))
	return err
}

func (t *tarGzContainer) writeStreamed(e *entry, src afero.File) error {
	if err := t.tw.WriteHeader(tarHeader(e, e.info.Size())); err != nil {
		return err
	}
	_, err := io.CopyN(t.tw, src, e.info.Size())
	return err
}

func (t *tarGzContainer) Close() error {
	if err := t.tw.Close(); err != nil {
		_ = t.gz.Close()
		return err
	}
	return t.gz.Close()
}
