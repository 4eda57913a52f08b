package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrArchiveViolation is returned for every upload-safety rule: symlinks,
// hard links, device/FIFO entries, path traversal, disallowed extensions,
// and size-cap overruns. Every case maps to 400 at the handler.
var ErrArchiveViolation = errors.New("storage: archive violates upload safety rules")

// ExtractOptions bounds one tar.gz extraction.
type ExtractOptions struct {
	AllowedExtensions []string
	MaxFileSizeBytes  int64
	MaxArchiveBytes   int64
	Timeout           time.Duration
}

// ExtractTarGz streams r into destDir (which must not yet exist, or must be
// empty) under the full safety rule set: no symlinks/hardlinks/device
// entries, no path traversal, extension allow-list, per-file and per-archive
// size caps, wall-clock timeout, permissions reset to 0o644. On any
// violation the partially-extracted directory is removed and
// ErrArchiveViolation is returned; destDir is never left partially
// populated for the caller to promote.
func ExtractTarGz(ctx context.Context, r io.Reader, destDir string, opts ExtractOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- extractLocked(r, destDir, opts) }()

	select {
	case err := <-done:
		if err != nil {
			os.RemoveAll(destDir)
			return err
		}
		return nil
	case <-ctx.Done():
		os.RemoveAll(destDir)
		return fmt.Errorf("%w: extraction timed out", ErrArchiveViolation)
	}
}

func extractLocked(r io.Reader, destDir string, opts ExtractOptions) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: not a gzip stream: %v", ErrArchiveViolation, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var totalBytes int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: corrupt tar: %v", ErrArchiveViolation, err)
		}

		if err := validateMember(hdr, opts); err != nil {
			return err
		}

		totalBytes += hdr.Size
		if opts.MaxArchiveBytes > 0 && totalBytes > opts.MaxArchiveBytes {
			return fmt.Errorf("%w: archive exceeds %d bytes", ErrArchiveViolation, opts.MaxArchiveBytes)
		}

		destPath := filepath.Join(destDir, hdr.Name)
		if err := writeMember(tr, destPath, hdr.Size); err != nil {
			return err
		}
	}
}

func validateMember(hdr *tar.Header, opts ExtractOptions) error {
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA:
		// ok
	case tar.TypeSymlink, tar.TypeLink:
		return fmt.Errorf("%w: links are not allowed (%s)", ErrArchiveViolation, hdr.Name)
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return fmt.Errorf("%w: device/FIFO entries are not allowed (%s)", ErrArchiveViolation, hdr.Name)
	case tar.TypeDir:
		return fmt.Errorf("%w: subdirectories are not allowed (%s)", ErrArchiveViolation, hdr.Name)
	default:
		return fmt.Errorf("%w: unsupported entry type (%s)", ErrArchiveViolation, hdr.Name)
	}

	name := hdr.Name
	if name == "" || strings.ContainsRune(name, '/') || strings.ContainsRune(name, '\\') || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("%w: member path must be a plain filename (%s)", ErrArchiveViolation, name)
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("%w: absolute paths are not allowed (%s)", ErrArchiveViolation, name)
	}

	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if !extAllowed(ext, opts.AllowedExtensions) {
		return fmt.Errorf("%w: extension %q not permitted for this endpoint (%s)", ErrArchiveViolation, ext, name)
	}

	if opts.MaxFileSizeBytes > 0 && hdr.Size > opts.MaxFileSizeBytes {
		return fmt.Errorf("%w: %s exceeds per-file cap of %d bytes", ErrArchiveViolation, name, opts.MaxFileSizeBytes)
	}

	return nil
}

func extAllowed(ext string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

func writeMember(tr *tar.Reader, destPath string, size int64) error {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer f.Close()

	written, err := io.CopyN(f, tr, size)
	if err != nil && err != io.EOF {
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	if written != size {
		return fmt.Errorf("%w: %s truncated (wrote %d of %d bytes)", ErrArchiveViolation, destPath, written, size)
	}

	// Permission bits are always reset to 0o644 regardless of what the
	// archive's header claimed.
	return os.Chmod(destPath, 0o644)
}

// StageToTemp copies r to a temp file outside the destination tree, so an
// upload body never sits in memory. The caller is responsible for removing
// it.
func StageToTemp(dir string, r io.Reader) (path string, err error) {
	f, err := os.CreateTemp(dir, "upload-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("stage temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("stage temp file: %w", err)
	}
	return f.Name(), nil
}
