package workerruntime

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// buildTarGz streams every regular file directly under dir into a tar.gz.
// Archive member names are always flat basenames, never
// directory-qualified — the extraction side rejects any member carrying a
// path separator — so callers that need to upload a CMAF quality's files
// pass that quality's own subdirectory as dir.
func buildTarGz(w io.Writer, dir string, names []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}

		hdr := &tar.Header{Name: name, Size: info.Size(), Mode: 0o644, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header for %s: %w", name, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		_, copyErr := io.Copy(tw, f)
		f.Close()
		if copyErr != nil {
			return fmt.Errorf("write tar body for %s: %w", name, copyErr)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	return gz.Close()
}

// listQualityFiles enumerates the files one quality contributes, relative
// to their own directory: the flat playlist+segments for HLS/TS, or the
// contents of the quality subdirectory for CMAF.
func listQualityFiles(workDir, quality string, cmaf bool) (dir string, names []string, err error) {
	if cmaf {
		dir = filepath.Join(workDir, quality)
		entries, rerr := os.ReadDir(dir)
		if rerr != nil {
			return "", nil, fmt.Errorf("read cmaf quality dir %s: %w", dir, rerr)
		}
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		return dir, names, nil
	}

	dir = workDir
	playlist := quality + ".m3u8"
	names = append(names, playlist)
	matches, _ := filepath.Glob(filepath.Join(workDir, quality+"_*.ts"))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return dir, names, nil
}

// listFinalizeFiles enumerates master.m3u8 + thumbnail.jpg, skipping
// master.m3u8 on a selective re-transcode (skipMaster) where it must stay
// untouched rather than be regenerated from a partial quality set.
func listFinalizeFiles(workDir string, skipMaster bool) []string {
	names := []string{"thumbnail.jpg"}
	if !skipMaster {
		names = append(names, "master.m3u8")
	}
	return names
}
