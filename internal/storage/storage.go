// Package storage owns the three disjoint on-disk trees: the uploads,
// videos, and archive directories. The coordinator is their only writer;
// workers never touch them directly, they POST to the coordinator. An
// optional S3 mirror backs the videos/archive trees for serving.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SourceExtensions is the fixed allow-list for UPLOADS_DIR/{video_id}.{ext}.
var SourceExtensions = []string{"mp4", "mkv", "webm", "mov", "avi"}

// Store resolves and manipulates paths under the three owned trees.
type Store struct {
	uploadsDir string
	videosDir  string
	archiveDir string
	mirror     Mirror
}

// Mirror is the optional remote copy of VIDEOS_DIR/ARCHIVE_DIR content,
// implemented by s3Mirror when S3Config.Enabled, or noopMirror otherwise.
type Mirror interface {
	PutDir(localDir, remotePrefix string) error
	DeletePrefix(remotePrefix string) error
}

func New(uploadsDir, videosDir, archiveDir string, mirror Mirror) *Store {
	if mirror == nil {
		mirror = noopMirror{}
	}
	return &Store{uploadsDir: uploadsDir, videosDir: videosDir, archiveDir: archiveDir, mirror: mirror}
}

// UploadsDir, VideosDir, ArchiveDir expose the roots for callers that need
// to walk them (the janitor's orphan sweep).
func (s *Store) UploadsDir() string { return s.uploadsDir }
func (s *Store) VideosDir() string  { return s.videosDir }
func (s *Store) ArchiveDir() string { return s.archiveDir }

// ResolveSource finds {uploads}/{video_id}.{ext} for one of the allowed
// extensions. Returns "" if none exists.
func (s *Store) ResolveSource(videoID uuid.UUID) (string, error) {
	for _, ext := range SourceExtensions {
		p := filepath.Join(s.uploadsDir, fmt.Sprintf("%s.%s", videoID, ext))
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", nil
}

// SourcePathForExt builds the destination path an admin upload writes to;
// the caller must validate ext is in SourceExtensions first.
func (s *Store) SourcePathForExt(videoID uuid.UUID, ext string) string {
	return filepath.Join(s.uploadsDir, fmt.Sprintf("%s.%s", videoID, ext))
}

// DeleteSource removes the uploaded source file on permanent-failure
// cleanup.
func (s *Store) DeleteSource(videoID uuid.UUID) error {
	p, err := s.ResolveSource(videoID)
	if err != nil || p == "" {
		return err
	}
	return os.Remove(p)
}

// VideoDir is VIDEOS_DIR/{slug}/.
func (s *Store) VideoDir(slug string) string {
	return filepath.Join(s.videosDir, slug)
}

// ArchiveVideoDir is ARCHIVE_DIR/{slug}/.
func (s *Store) ArchiveVideoDir(slug string) string {
	return filepath.Join(s.archiveDir, slug)
}

// MasterPlaylistExists reports whether a published master.m3u8 is already
// on disk for slug, so claim envelopes can tell a resuming worker to leave
// it alone.
func (s *Store) MasterPlaylistExists(slug string) bool {
	info, err := os.Stat(filepath.Join(s.VideoDir(slug), "master.m3u8"))
	return err == nil && !info.IsDir()
}

// PromoteExtracted atomically moves a staged extraction directory into
// VIDEOS_DIR/{slug}/, creating it if absent, and mirrors it remotely.
func (s *Store) PromoteExtracted(stagedDir, slug string) error {
	dest := s.VideoDir(slug)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("mkdir video dir: %w", err)
	}

	entries, err := os.ReadDir(stagedDir)
	if err != nil {
		return fmt.Errorf("read staged dir: %w", err)
	}
	for _, e := range entries {
		src := filepath.Join(stagedDir, e.Name())
		dst := filepath.Join(dest, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move %s: %w", e.Name(), err)
		}
	}

	return s.mirror.PutDir(dest, slug)
}

// PromoteExtractedQuality moves a staged per-quality extraction into
// VIDEOS_DIR/{slug}/, namespacing CMAF output under its own quality
// subdirectory since archive members may never carry a path separator —
// the coordinator supplies the directory structure the tar stream is not
// allowed to.
func (s *Store) PromoteExtractedQuality(stagedDir, slug, quality string, cmaf bool) error {
	dest := s.VideoDir(slug)
	if cmaf {
		dest = filepath.Join(dest, quality)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("mkdir quality dir: %w", err)
	}

	entries, err := os.ReadDir(stagedDir)
	if err != nil {
		return fmt.Errorf("read staged dir: %w", err)
	}
	for _, e := range entries {
		src := filepath.Join(stagedDir, e.Name())
		dst := filepath.Join(dest, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move %s: %w", e.Name(), err)
		}
	}

	prefix := slug
	if cmaf {
		prefix = slug + "/" + quality
	}
	return s.mirror.PutDir(dest, prefix)
}

// PromoteFiles moves an explicit set of named files out of srcDir into
// VIDEOS_DIR/{slug}/ (namespaced under quality/ for CMAF), for a local
// worker that shares this filesystem directly and so skips the tar.gz
// round trip PromoteExtractedQuality exists for. Missing names are
// skipped, since thumbnail/master are optional at this call site.
func (s *Store) PromoteFiles(srcDir string, names []string, slug, quality string, cmaf bool) error {
	dest := s.VideoDir(slug)
	if cmaf && quality != "" {
		dest = filepath.Join(dest, quality)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("mkdir dest dir: %w", err)
	}

	moved := false
	for _, name := range names {
		src := filepath.Join(srcDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(dest, name)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move %s: %w", name, err)
		}
		moved = true
	}
	if !moved {
		return nil
	}

	prefix := slug
	if cmaf && quality != "" {
		prefix = slug + "/" + quality
	}
	return s.mirror.PutDir(dest, prefix)
}

// MoveToArchive relocates a published video tree to ARCHIVE_DIR on soft
// delete; RestoreFromArchive moves it back, leaving the tree exactly as it
// was before the delete.
func (s *Store) MoveToArchive(slug string) error {
	return moveTree(s.VideoDir(slug), s.ArchiveVideoDir(slug))
}

func (s *Store) RestoreFromArchive(slug string) error {
	return moveTree(s.ArchiveVideoDir(slug), s.VideoDir(slug))
}

// PurgeArchived permanently deletes an archived video tree, for the
// janitor's archive-expiry sweep.
func (s *Store) PurgeArchived(slug string) error {
	if err := os.RemoveAll(s.ArchiveVideoDir(slug)); err != nil {
		return err
	}
	return s.mirror.DeletePrefix(slug)
}

func moveTree(from, to string) error {
	if _, err := os.Stat(from); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	// Cross-device rename: fall back to copy-then-remove.
	return copyThenRemove(from, to)
}

func copyThenRemove(from, to string) error {
	if err := os.MkdirAll(to, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(from)
	if err != nil {
		return err
	}
	for _, e := range entries {
		src := filepath.Join(from, e.Name())
		dst := filepath.Join(to, e.Name())
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return os.RemoveAll(from)
}

// QualityFileNames returns the canonical playlist name and segment glob for
// a quality's files under VIDEOS_DIR/{slug}/; "master" maps to master.m3u8
// with no segment glob. transcoder.QualityFileNames holds the same layout.
func QualityFileNames(quality string, cmaf bool) (playlist string, segmentGlob string) {
	if quality == "master" {
		return "master.m3u8", ""
	}
	if cmaf {
		return quality + "/stream.m3u8", quality + "/seg_*.m4s"
	}
	return quality + ".m3u8", quality + "_*.ts"
}

// IsCanonicalQualityName reports whether name is a directory entry the
// pipeline itself produces, as opposed to stray operator-placed content —
// used by the janitor before it ever deletes anything under VIDEOS_DIR.
func IsCanonicalQualityName(name string, known []string) bool {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	for _, k := range known {
		if base == k || strings.HasPrefix(name, k+"_") || strings.HasPrefix(name, k+".") {
			return true
		}
	}
	return false
}

type noopMirror struct{}

func (noopMirror) PutDir(string, string) error    { return nil }
func (noopMirror) DeletePrefix(string) error      { return nil }
