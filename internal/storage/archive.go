package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Archiver keeps zstd-compressed copies of run artifacts under Dir/<run>/.
type Archiver struct {
	Dir string
}

// NewArchiver creates an archiver rooted at dir.
func NewArchiver(dir string) *Archiver {
	return &Archiver{Dir: dir}
}

// Archive compresses src into the run's archive directory and returns the
// archived path.
func (a *Archiver) Archive(runID, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	dir := filepath.Join(a.Dir, sanitize(runID))
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(src)+".zst")
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return "", err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return "", fmt.Errorf("compress artifact: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return "", err
	}
	return dst, out.Close()
}

// ReadArchived returns the decompressed content of an archived artifact.
func ReadArchived(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
