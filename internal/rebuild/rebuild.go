package rebuild

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"mailvault/internal/blobstore"
	"mailvault/internal/index"
	"mailvault/internal/indexer"
)

// Stats summarizes one rebuild.
type Stats struct {
	Objects    int
	Indexed    int
	Failed     int
	BackupPath string
	Duration   time.Duration
}

// Rebuilder reconstructs the search index from the object store. The
// archive is the source of truth; the index is always disposable.
type Rebuilder struct {
	store         blobstore.ObjectStore
	indexPath     string
	excerptLength int
}

func New(store blobstore.ObjectStore, indexPath string, excerptLength int) *Rebuilder {
	return &Rebuilder{store: store, indexPath: indexPath, excerptLength: excerptLength}
}

// Rebuild archives the current index file, creates a fresh one and
// re-indexes every stored message. Records are keyed by object path
// because provider message ids are not recoverable from the archive.
func (r *Rebuilder) Rebuild(ctx context.Context) (*index.Store, Stats, error) {
	started := time.Now()
	var stats Stats

	if _, err := os.Stat(r.indexPath); err == nil {
		backup := fmt.Sprintf("%s.backup.%d", r.indexPath, started.Unix())
		if err := os.Rename(r.indexPath, backup); err != nil {
			return nil, stats, fmt.Errorf("archive old index: %w", err)
		}
		stats.BackupPath = backup
		log.Printf("rebuild: archived old index to %s", backup)
	}

	store, err := index.Open(r.indexPath)
	if err != nil {
		return nil, stats, err
	}
	ix := indexer.New(store, r.excerptLength)

	objects, err := r.store.List(ctx, "")
	if err != nil {
		store.Close()
		return nil, stats, fmt.Errorf("list archive: %w", err)
	}

	for _, obj := range objects {
		if !strings.HasSuffix(obj.Path, ".eml") {
			continue
		}
		stats.Objects++

		if ctx.Err() != nil {
			store.Close()
			return nil, stats, ctx.Err()
		}

		raw, err := r.store.Get(ctx, obj.Path)
		if err != nil {
			log.Printf("rebuild: fetch %s: %v", obj.Path, err)
			stats.Failed++
			continue
		}

		account := accountFromPath(obj.Path)
		ts := obj.ModTime
		if ts.IsZero() {
			ts = started
		}
		if err := ix.Index(ctx, account, obj.Path, raw, obj.Path, ts); err != nil {
			log.Printf("rebuild: index %s: %v", obj.Path, err)
			stats.Failed++
			continue
		}
		stats.Indexed++
	}

	stats.Duration = time.Since(started)
	log.Printf("rebuild: indexed %d of %d objects in %s (%d failed)",
		stats.Indexed, stats.Objects, stats.Duration.Round(time.Second), stats.Failed)
	return store, stats, nil
}

// accountFromPath extracts the account id from a destination path of
// the form account/YYYY/MM/DD/file.eml.
func accountFromPath(path string) string {
	if i := strings.Index(path, "/"); i > 0 {
		return path[:i]
	}
	return ""
}
