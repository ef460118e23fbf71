package node

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/streamspace/sessiongrid/internal/gridcore"
)

// inflateFirstZipEntry writes the first entry of a ZIP archive to a fresh
// temp directory and returns its absolute path, per spec §4.I step 4's
// se/file upload handling.
func inflateFirstZipEntry(raw []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", gridcore.New(gridcore.KindParseError, "malformed zip upload", err)
	}
	if len(zr.File) == 0 {
		return "", gridcore.New(gridcore.KindParseError, "empty zip upload", nil)
	}

	entry := zr.File[0]
	dir, err := os.MkdirTemp("", "sessiongrid-upload-")
	if err != nil {
		return "", gridcore.New(gridcore.KindIoError, "create upload temp dir", err)
	}

	destPath := filepath.Join(dir, filepath.Base(entry.Name))
	src, err := entry.Open()
	if err != nil {
		return "", gridcore.New(gridcore.KindIoError, "open zip entry", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return "", gridcore.New(gridcore.KindIoError, "create upload destination", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", gridcore.New(gridcore.KindIoError, "write upload destination", err)
	}

	return destPath, nil
}
