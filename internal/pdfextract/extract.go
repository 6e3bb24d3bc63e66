package pdfextract

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	pdf "github.com/ledongthuc/pdf"
)

var ErrEmptyDocument = errors.New("pdf has no pages")

// Document is what a PDF yields for link matching: the plain text of each page and the
// targets of its link annotations.
type Document struct {
	Pages []string
	URIs  []string
}

// ExtractFile reads the PDF at path.
func ExtractFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Document{}, err
	}
	return extract(f, info.Size())
}

// extract does not perform OCR. Pages without a text layer contribute only their
// annotations. The pdf library panics on some malformed input, which is reported as an
// error.
func extract(src io.ReaderAt, size int64) (doc Document, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			doc = Document{}
			err = fmt.Errorf("parse pdf: %v", rec)
		}
	}()

	r, err := pdf.NewReader(src, size)
	if err != nil {
		return Document{}, err
	}
	total := r.NumPage()
	if total == 0 {
		return Document{}, ErrEmptyDocument
	}

	for i := 1; i <= total; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		if text := pageText(page); text != "" {
			doc.Pages = append(doc.Pages, text)
		}
		doc.URIs = append(doc.URIs, annotationURIs(page)...)
	}
	return doc, nil
}

func pageText(page pdf.Page) string {
	fonts := make(map[string]*pdf.Font)
	for _, name := range page.Fonts() {
		font := page.Font(name)
		fonts[name] = &font
	}
	raw, err := page.GetPlainText(fonts)
	if err != nil {
		return ""
	}
	return normalizePDFText(raw)
}

func annotationURIs(page pdf.Page) []string {
	annots := page.V.Key("Annots")
	var out []string
	for j := 0; j < annots.Len(); j++ {
		uri := annots.Index(j).Key("A").Key("URI")
		if uri.Kind() != pdf.String {
			continue
		}
		if target := strings.TrimSpace(uri.RawString()); target != "" {
			out = append(out, target)
		}
	}
	return out
}

func normalizePDFText(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	lastSpace := false
	for _, r := range input {
		if r == '\u0000' {
			continue
		}
		if unicode.IsSpace(r) {
			if lastSpace {
				continue
			}
			lastSpace = true
			b.WriteByte(' ')
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
