package archive

import (
	"archive/zip"
	"bytes"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/afero"
)

type zipContainer struct {
	zw *zip.Writer
}

func newZipContainer(w io.Writer, level int) *zipContainer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	return &zipContainer{zw: zw}
}

func zipHeader(e *entry) *zip.FileHeader {
	hdr := &zip.FileHeader{
		Name:     e.name,
		Method:   zip.Deflate,
		Modified: e.info.ModTime(),
	}
	hdr.SetMode(0o644)
	return hdr
}

// deflate compresses a buffered entry outside the archive lock.
func deflate(e *entry, level int) error {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return err
	}
	if _, err := fw.Write(e.data); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}
	e.deflated = buf.Bytes()
	e.crc = crc32.ChecksumIEEE(e.data)
	return nil
}

func (z *zipContainer) writeBuffered(e *entry) error {
	hdr := zipHeader(e)
	hdr.CRC32 = e.crc
	hdr.UncompressedSize64 = uint64(len(e.data))
	hdr.CompressedSize64 = uint64(len(e.deflated))
	w, err := z.zw.CreateRaw(hdr)
	if err != nil {
		return err
	}
	_, err = w.Write(e.deflated)
	return err
}

func (z *zipContainer) writeStreamed(e *entry, src afero.File) error {
	w, err := z.zw.CreateHeader(zipHeader(e))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func (z *zipContainer) Close() error {
	return z.zw.Close()
}
