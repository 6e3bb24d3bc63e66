// Package export writes link lists and backup archives under the data directory.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tglinks/internal/domain"
)

const stampLayout = "20060102-150405"

var ErrPlatformRequired = errors.New("export platform is required")

type URLSource interface {
	ExportURLs(ctx context.Context, filter domain.LinkFilter) ([]string, error)
}

// Result describes one written text export.
type Result struct {
	Path  string
	Count int
}

type Exporter struct {
	dataDir string
	links   URLSource
	now     func() time.Time
	log     logrus.FieldLogger
}

func New(dataDir string, links URLSource, log logrus.FieldLogger) *Exporter {
	if log == nil {
		log = logrus.New()
	}
	return &Exporter{
		dataDir: dataDir,
		links:   links,
		now:     time.Now,
		log:     log.WithField("component", "export"),
	}
}

func (e *Exporter) ExportsDir() string { return filepath.Join(e.dataDir, "exports") }
func (e *Exporter) BackupsDir() string { return filepath.Join(e.dataDir, "backups") }

// ExportText writes every URL matching filter, oldest first, to a new file in the
// exports directory. The file starts with commented header lines describing the
// selection.
func (e *Exporter) ExportText(ctx context.Context, filter domain.LinkFilter) (Result, error) {
	if filter.Platform == "" {
		return Result{}, ErrPlatformRequired
	}
	filter.Limit, filter.Offset = 0, 0
	urls, err := e.links.ExportURLs(ctx, filter)
	if err != nil {
		return Result{}, fmt.Errorf("load urls: %w", err)
	}

	now := e.now().UTC()
	finalPath := filepath.Join(e.ExportsDir(), exportFilename(filter, now))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return Result{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".export-*.tmp")
	if err != nil {
		return Result{}, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	writeHeader(w, filter, len(urls), now)
	for _, url := range urls {
		w.WriteString(url)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return Result{}, err
	}
	if err := tmp.Close(); err != nil {
		return Result{}, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Result{}, err
	}

	e.log.WithFields(logrus.Fields{"path": finalPath, "count": len(urls)}).Info("links exported")
	return Result{Path: finalPath, Count: len(urls)}, nil
}

func exportFilename(filter domain.LinkFilter, now time.Time) string {
	parts := []string{"links", string(filter.Platform)}
	if filter.ChatType != "" {
		parts = append(parts, string(filter.ChatType))
	}
	if filter.Year > 0 {
		parts = append(parts, strconv.Itoa(filter.Year))
	}
	parts = append(parts, now.Format(stampLayout))
	return strings.Join(parts, "-") + ".txt"
}

func writeHeader(w *bufio.Writer, filter domain.LinkFilter, count int, now time.Time) {
	chatType := "any"
	if filter.ChatType != "" {
		chatType = string(filter.ChatType)
	}
	year := "any"
	if filter.Year > 0 {
		year = strconv.Itoa(filter.Year)
	}
	fmt.Fprintf(w, "# platform: %s\n", filter.Platform)
	fmt.Fprintf(w, "# chat_type: %s\n", chatType)
	fmt.Fprintf(w, "# year: %s\n", year)
	fmt.Fprintf(w, "# count: %d\n", count)
	fmt.Fprintf(w, "# generated_at: %s\n", now.Format(time.RFC3339))
}
