package store

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DiskBlobStore deletes uploaded files from a local directory. References are
// URLs like /uploads/<name>; only the base name is used, so a reference can
// never escape the directory.
type DiskBlobStore struct {
	dir string
	log *slog.Logger
}

// NewDiskBlobStore returns a blob store rooted at dir. A nil logger uses
// slog.Default.
func NewDiskBlobStore(dir string, logger *slog.Logger) *DiskBlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskBlobStore{dir: filepath.Clean(dir), log: logger}
}

// DeleteByReference implements BlobStore.
func (b *DiskBlobStore) DeleteByReference(_ context.Context, ref string) bool {
	name := blobName(ref)
	if name == "" {
		b.log.Warn("ignoring unusable blob reference", "ref", ref)
		return false
	}

	target := filepath.Join(b.dir, name)
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false
		}
		b.log.Error("failed to delete blob", "path", target, "error", err)
		return false
	}
	b.log.Info("deleted blob", "path", target)
	return true
}

func blobName(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if parsed, err := url.Parse(ref); err == nil && parsed.Path != "" {
		ref = parsed.Path
	}
	name := path.Base(strings.ReplaceAll(ref, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}
