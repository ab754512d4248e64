// Package staging implements the pending/processed directory pair used as a
// durable, crash-recoverable work queue between the fetcher and the ingestor.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PartialSuffix marks an in-flight download. A file carrying this suffix is
// never enumerated or ingested.
const PartialSuffix = ".part"

// LatestAlias is a reserved filename that always mirrors the most recently
// published timestamped file. It is never downloaded or ingested; if it shows
// up in pending it is relocated untouched.
const LatestAlias = "last.json"

// Area is the directory-based staging layout. Downloads is the legacy flat
// download directory kept for compatibility; Pending, Processed and Failed
// live next to it.
type Area struct {
	Downloads string
	Pending   string
	Processed string
	Failed    string
}

// New derives the staging layout from the legacy download directory.
func New(downloadDir string) Area {
	parent := filepath.Dir(downloadDir)
	return Area{
		Downloads: downloadDir,
		Pending:   filepath.Join(parent, "pending"),
		Processed: filepath.Join(parent, "processed"),
		Failed:    filepath.Join(parent, "failed"),
	}
}

// EnsureDirs creates all staging directories that do not exist yet.
func (a Area) EnsureDirs() error {
	for _, dir := range []string{a.Downloads, a.Pending, a.Processed, a.Failed} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create staging dir %s: %w", dir, err)
		}
	}
	return nil
}

// ListPending returns the names of pending JSON files in lexicographic order.
// Partial downloads are skipped.
func (a Area) ListPending() ([]string, error) {
	entries, err := os.ReadDir(a.Pending)
	if err != nil {
		return nil, fmt.Errorf("read pending dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// PendingPath returns the absolute path of a pending file.
func (a Area) PendingPath(name string) string {
	return filepath.Join(a.Pending, name)
}

// PartialPath returns the temp path a download streams into before the
// atomic rename.
func (a Area) PartialPath(name string) string {
	return filepath.Join(a.Pending, name+PartialSuffix)
}

// Seen reports whether the file already exists in pending, processed, failed
// or the legacy download directory. Quarantined files count as seen so the
// fetcher does not re-download something the ingestor gave up on.
func (a Area) Seen(name string) bool {
	for _, dir := range []string{a.Processed, a.Pending, a.Failed, a.Downloads} {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

// PartialExists reports whether another worker appears to be downloading the
// file right now. Best-effort only: there is a window between this check and
// temp-file creation, and the failure mode is a duplicate download attempt.
func (a Area) PartialExists(name string) bool {
	return fileExists(a.PartialPath(name))
}

// MoveToProcessed relocates a pending file into processed. Rename is tried
// first so an observer never sees a half-moved file; the copy+remove fallback
// handles cross-device staging layouts.
func (a Area) MoveToProcessed(name string) error {
	return a.moveFromPending(name, a.Processed)
}

// MoveToFailed quarantines a pending file that repeatedly failed to parse.
func (a Area) MoveToFailed(name string) error {
	return a.moveFromPending(name, a.Failed)
}

func (a Area) moveFromPending(name, destDir string) error {
	src := a.PendingPath(name)
	dst := filepath.Join(destDir, name)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copy to %s: %w", dst, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("close %s: %w", dst, closeErr)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s: %w", src, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
