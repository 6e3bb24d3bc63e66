package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tglinks/internal/store/sqlite"
)

const backupFilenamePrefix = "tglinks-backup-"

type Snapshotter interface {
	Checkpoint(ctx context.Context) error
	ExportDatabaseSnapshot(ctx context.Context, destinationPath string) error
}

// Backup bundles a database snapshot, the exports directory and a manifest into one
// zip archive. Account sessions are blanked in the snapshot.
type Backup struct {
	exporter *Exporter
	db       Snapshotter
	keep     int
	mu       sync.Mutex
}

func NewBackup(exporter *Exporter, db Snapshotter, keep int) *Backup {
	return &Backup{exporter: exporter, db: db, keep: keep}
}

type manifest struct {
	CreatedAt        string   `json:"created_at"`
	DBFile           string   `json:"db_file"`
	Exports          []string `json:"exports"`
	IncludesSessions bool     `json:"includes_sessions"`
	Version          string   `json:"version"`
}

// Create writes a new archive to the backups directory, prunes old archives and
// returns the new archive's path.
func (b *Backup) Create(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return "", errors.New("store is not initialized")
	}

	now := b.exporter.now()
	finalPath := filepath.Join(b.exporter.BackupsDir(), backupFilenamePrefix+now.Format(stampLayout)+".zip")
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", err
	}

	tempDir, err := os.MkdirTemp("", "tglinks-backup-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tempDir)

	snapshotDBPath := filepath.Join(tempDir, "tglinks.db")
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	_ = b.db.Checkpoint(opCtx)
	if err := b.db.ExportDatabaseSnapshot(opCtx, snapshotDBPath); err != nil {
		return "", err
	}
	if err := scrubSnapshot(opCtx, snapshotDBPath); err != nil {
		return "", err
	}

	tmpPath := finalPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)

	zipWriter := zip.NewWriter(file)
	exports, err := b.writeArchive(zipWriter, snapshotDBPath)
	if err != nil {
		_ = zipWriter.Close()
		_ = file.Close()
		return "", err
	}
	if err := writeManifest(zipWriter, manifest{
		CreatedAt: now.UTC().Format(time.RFC3339),
		DBFile:    "tglinks.db",
		Exports:   exports,
		Version:   "1",
	}); err != nil {
		_ = zipWriter.Close()
		_ = file.Close()
		return "", err
	}
	if err := zipWriter.Close(); err != nil {
		_ = file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}

	removed, err := b.prune()
	if err != nil {
		b.exporter.log.WithError(err).Warn("prune backups")
	}
	b.exporter.log.WithField("path", finalPath).WithField("pruned", len(removed)).Info("backup created")
	return finalPath, nil
}

func (b *Backup) writeArchive(zw *zip.Writer, snapshotDBPath string) ([]string, error) {
	if err := addFileToZip(zw, snapshotDBPath, "tglinks.db"); err != nil {
		return nil, err
	}

	var exports []string
	root := b.exporter.ExportsDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".txt") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := "exports/" + filepath.ToSlash(rel)
		exports = append(exports, name)
		return addFileToZip(zw, path, name)
	})
	return exports, err
}

func scrubSnapshot(ctx context.Context, path string) error {
	snapshotStore, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	if scrubErr := snapshotStore.ScrubAccountSessions(ctx); scrubErr != nil {
		_ = snapshotStore.Close()
		return scrubErr
	}
	return snapshotStore.Close()
}

func writeManifest(zw *zip.Writer, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	writer, err := zw.Create("manifest.json")
	if err != nil {
		return err
	}
	_, err = writer.Write(data)
	return err
}

// prune removes the oldest archives beyond the configured count, by modification time.
func (b *Backup) prune() ([]string, error) {
	if b.keep <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(b.exporter.BackupsDir())
	if err != nil {
		return nil, err
	}
	type archive struct {
		path    string
		modTime time.Time
	}
	var archives []archive
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupFilenamePrefix) || !strings.HasSuffix(name, ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archive{path: filepath.Join(b.exporter.BackupsDir(), name), modTime: info.ModTime()})
	}
	sort.Slice(archives, func(i, j int) bool {
		if archives[i].modTime.Equal(archives[j].modTime) {
			return archives[i].path > archives[j].path
		}
		return archives[i].modTime.After(archives[j].modTime)
	})

	var removed []string
	for _, old := range archives[min(b.keep, len(archives)):] {
		if err := os.Remove(old.path); err != nil {
			return removed, err
		}
		removed = append(removed, old.path)
	}
	return removed, nil
}

func addFileToZip(zw *zip.Writer, sourcePath, archiveName string) error {
	file, err := os.Open(filepath.Clean(sourcePath))
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = archiveName
	header.Method = zip.Deflate
	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(writer, file)
	return err
}
