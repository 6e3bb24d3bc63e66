package fileextract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"tglinks/internal/docxextract"
	"tglinks/internal/domain"
	"tglinks/internal/links"
	"tglinks/internal/pdfextract"
)

const DefaultMaxBytes int64 = 15 << 20

var (
	ErrFileTooLarge = errors.New("file exceeds maximum size")
	ErrUnsupported  = errors.New("unsupported file type")
)

// Downloader streams the content of a message attachment into w.
type Downloader interface {
	Download(ctx context.Context, file domain.File, w io.Writer) error
}

// Result reports one attachment. Skipped files were never parsed: unsupported type or over
// the size ceiling. Err carries parse and download failures.
type Result struct {
	Kind    Kind
	Links   []string
	Skipped bool
	Err     error
}

type Extractor struct {
	maxBytes   int64
	scratchDir string
	log        logrus.FieldLogger
}

func New(maxBytes int64, scratchDir string, log logrus.FieldLogger) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = logrus.New()
	}
	return &Extractor{
		maxBytes:   maxBytes,
		scratchDir: scratchDir,
		log:        log.WithField("component", "fileextract"),
	}
}

// Extract downloads a supported attachment into a scratch file, parses it and returns the
// link candidates it contains. The scratch file is removed before Extract returns.
func (e *Extractor) Extract(ctx context.Context, dl Downloader, file domain.File) Result {
	kind := DetectKind(file.Name, file.MimeType)
	if kind == KindUnsupported && !isGenericMIME(file.MimeType) {
		return Result{Kind: kind, Skipped: true, Err: ErrUnsupported}
	}
	if file.Size > e.maxBytes {
		return Result{Kind: kind, Skipped: true, Err: ErrFileTooLarge}
	}
	if dl == nil {
		return Result{Kind: kind, Err: errors.New("no downloader for attachment")}
	}

	tmp, err := os.CreateTemp(e.scratchDir, "tglinks-*"+kind.extension())
	if err != nil {
		return Result{Kind: kind, Err: fmt.Errorf("create scratch file: %w", err)}
	}
	path := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.log.WithError(rmErr).WithField("path", path).Warn("remove scratch file")
		}
	}()

	w := &cappedWriter{W: tmp, Max: e.maxBytes}
	if err := dl.Download(ctx, file, w); err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return Result{Kind: kind, Skipped: true, Err: ErrFileTooLarge}
		}
		return Result{Kind: kind, Err: fmt.Errorf("download %q: %w", file.Name, err)}
	}
	if err := tmp.Close(); err != nil {
		return Result{Kind: kind, Err: fmt.Errorf("flush scratch file: %w", err)}
	}

	if kind == KindUnsupported {
		kind = sniffKind(path)
		if kind == KindUnsupported {
			return Result{Kind: kind, Skipped: true, Err: ErrUnsupported}
		}
	}

	found, err := parse(kind, path)
	if err != nil {
		return Result{Kind: kind, Err: fmt.Errorf("parse %s %q: %w", kind, file.Name, err)}
	}
	e.log.WithFields(logrus.Fields{
		"file":  file.Name,
		"kind":  kind.String(),
		"links": len(found),
	}).Debug("attachment scanned")
	return Result{Kind: kind, Links: found}
}

func parse(kind Kind, path string) ([]string, error) {
	set := map[string]struct{}{}
	addText := func(text string) {
		for _, candidate := range links.MatchText(text) {
			set[candidate] = struct{}{}
		}
	}
	addTarget := func(target string) {
		if target = strings.TrimSpace(target); target != "" {
			set[target] = struct{}{}
		}
	}

	switch kind {
	case KindPDF:
		doc, err := pdfextract.ExtractFile(path)
		if err != nil {
			return nil, err
		}
		for _, page := range doc.Pages {
			addText(page)
		}
		for _, uri := range doc.URIs {
			addTarget(uri)
		}
	case KindDOCX:
		doc, err := docxextract.ExtractFile(path)
		if err != nil {
			return nil, err
		}
		for _, paragraph := range doc.Paragraphs {
			addText(paragraph)
		}
		for _, target := range doc.Hyperlinks {
			addTarget(target)
		}
	case KindHTML:
		hrefs, text, err := parseHTML(path)
		if err != nil {
			return nil, err
		}
		for _, href := range hrefs {
			addTarget(href)
		}
		addText(text)
	default:
		return nil, ErrUnsupported
	}

	out := make([]string, 0, len(set))
	for candidate := range set {
		out = append(out, candidate)
	}
	sort.Strings(out)
	return out, nil
}

func parseHTML(path string) ([]string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, "", err
	}
	doc.Find("script,style,noscript").Each(func(_ int, selection *goquery.Selection) {
		selection.Remove()
	})

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, ok := selection.Attr("href")
		if !ok {
			return
		}
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			hrefs = append(hrefs, href)
		}
	})
	return hrefs, doc.Text(), nil
}

type cappedWriter struct {
	W   io.Writer
	N   int64
	Max int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.Max > 0 && c.N+int64(len(p)) > c.Max {
		return 0, ErrFileTooLarge
	}
	n, err := c.W.Write(p)
	c.N += int64(n)
	return n, err
}
