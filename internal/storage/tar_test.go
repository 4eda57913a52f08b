package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTarGz(t *testing.T, entries []tarEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Size:     int64(len(e.body)),
			Mode:     0o777,
			Linkname: e.linkname,
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func defaultOpts() ExtractOptions {
	return ExtractOptions{
		AllowedExtensions: []string{"m3u8", "ts"},
		MaxFileSizeBytes:  1 << 20,
		MaxArchiveBytes:   10 << 20,
		Timeout:           5 * time.Second,
	}
}

func TestExtractTarGz_HappyPath(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	data := buildTarGz(t, []tarEntry{
		{name: "720p.m3u8", body: "#EXTM3U\n", typeflag: tar.TypeReg},
		{name: "720p_0000.ts", body: "segment-bytes", typeflag: tar.TypeReg},
	})

	err := ExtractTarGz(context.Background(), data, dest, defaultOpts())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "720p.m3u8"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestExtractTarGz_RejectsPathTraversal(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	data := buildTarGz(t, []tarEntry{
		{name: "../../etc/passwd", body: "evil", typeflag: tar.TypeReg},
	})

	err := ExtractTarGz(context.Background(), data, dest, defaultOpts())
	require.ErrorIs(t, err, ErrArchiveViolation)
	assertNoFilesWritten(t, dest)
}

func TestExtractTarGz_RejectsSymlink(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	data := buildTarGz(t, []tarEntry{
		{name: "evil.ts", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
	})

	err := ExtractTarGz(context.Background(), data, dest, defaultOpts())
	require.ErrorIs(t, err, ErrArchiveViolation)
	assertNoFilesWritten(t, dest)
}

func TestExtractTarGz_RejectsDisallowedExtension(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	data := buildTarGz(t, []tarEntry{
		{name: "payload.sh", body: "echo hi", typeflag: tar.TypeReg},
	})

	err := ExtractTarGz(context.Background(), data, dest, defaultOpts())
	require.ErrorIs(t, err, ErrArchiveViolation)
	assertNoFilesWritten(t, dest)
}

func TestExtractTarGz_RejectsOversizedFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	opts := defaultOpts()
	opts.MaxFileSizeBytes = 4

	data := buildTarGz(t, []tarEntry{
		{name: "big.ts", body: "way more than four bytes", typeflag: tar.TypeReg},
	})

	err := ExtractTarGz(context.Background(), data, dest, opts)
	require.ErrorIs(t, err, ErrArchiveViolation)
	assertNoFilesWritten(t, dest)
}

func assertNoFilesWritten(t *testing.T, dest string) {
	t.Helper()
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "expected %s to not exist after a rejected archive", dest)
}
