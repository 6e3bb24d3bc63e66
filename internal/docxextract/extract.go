package docxextract

import (
	"errors"
	"fmt"
	"os"
	"strings"

	docx "github.com/fumiama/go-docx"
)

const hyperlinkRelType = "/hyperlink"

var ErrNotDOCX = errors.New("docx: missing word/document.xml")

// Document holds the paragraph text of a DOCX body, table cells included, and the
// external targets of its hyperlink relationships.
type Document struct {
	Paragraphs []string
	Hyperlinks []string
}

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
	parsed, err := docx.Parse(f, info.Size())
	if err != nil {
		return Document{}, fmt.Errorf("open docx: %w", err)
	}
	// The body element name is only set when word/document.xml was present.
	if parsed.Document.XMLName.Local != "document" {
		return Document{}, ErrNotDOCX
	}

	var doc Document
	for _, item := range parsed.Document.Body.Items {
		switch v := item.(type) {
		case *docx.Paragraph:
			doc.addParagraph(v)
		case *docx.Table:
			doc.addTable(v)
		}
	}
	err = parsed.RangeRelationships(func(rel *docx.Relationship) error {
		if !strings.HasSuffix(rel.Type, hyperlinkRelType) {
			return nil
		}
		if target := strings.TrimSpace(rel.Target); target != "" {
			doc.Hyperlinks = append(doc.Hyperlinks, target)
		}
		return nil
	})
	return doc, err
}

func (d *Document) addParagraph(p *docx.Paragraph) {
	var b strings.Builder
	for _, child := range p.Children {
		switch v := child.(type) {
		case *docx.Run:
			writeRun(&b, v)
		case *docx.Hyperlink:
			writeRun(&b, &v.Run)
		}
	}
	if text := strings.TrimSpace(b.String()); text != "" {
		d.Paragraphs = append(d.Paragraphs, text)
	}
}

// addTable flattens cells row by row; nested tables follow their cell's paragraphs.
func (d *Document) addTable(t *docx.Table) {
	for _, row := range t.TableRows {
		for _, cell := range row.TableCells {
			for _, p := range cell.Paragraphs {
				d.addParagraph(p)
			}
			for _, nested := range cell.Tables {
				d.addTable(nested)
			}
		}
	}
}

func writeRun(b *strings.Builder, r *docx.Run) {
	for _, child := range r.Children {
		switch v := child.(type) {
		case *docx.Text:
			b.WriteString(v.Text)
		case *docx.Tab, *docx.BarterRabbet:
			b.WriteByte(' ')
		}
	}
}
