package fileextract

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind tags the document formats links are extracted from.
type Kind int

const (
	KindUnsupported Kind = iota
	KindPDF
	KindDOCX
	KindHTML
)

func (k Kind) String() string {
	switch k {
	case KindPDF:
		return "pdf"
	case KindDOCX:
		return "docx"
	case KindHTML:
		return "html"
	default:
		return "unsupported"
	}
}

func (k Kind) extension() string {
	switch k {
	case KindPDF:
		return ".pdf"
	case KindDOCX:
		return ".docx"
	case KindHTML:
		return ".html"
	default:
		return ""
	}
}

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// DetectKind uses the declared MIME type first and falls back to the file extension.
func DetectKind(name, mimeType string) Kind {
	if kind := kindFromMIME(mimeType); kind != KindUnsupported {
		return kind
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".docx":
		return KindDOCX
	case ".html", ".htm", ".xhtml":
		return KindHTML
	}
	return KindUnsupported
}

func kindFromMIME(mimeType string) Kind {
	base := strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.IndexByte(base, ';'); idx >= 0 {
		base = strings.TrimSpace(base[:idx])
	}
	switch base {
	case "application/pdf", "application/x-pdf":
		return KindPDF
	case docxMIME:
		return KindDOCX
	case "text/html", "application/xhtml+xml":
		return KindHTML
	}
	return KindUnsupported
}

// isGenericMIME reports whether the declared type says nothing about the content, in
// which case the downloaded bytes are sniffed.
func isGenericMIME(mimeType string) bool {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "", "application/octet-stream", "binary/octet-stream", "application/zip", "text/plain":
		return true
	}
	return false
}

func sniffKind(path string) Kind {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return KindUnsupported
	}
	for m := detected; m != nil; m = m.Parent() {
		switch {
		case m.Is("application/pdf"):
			return KindPDF
		case m.Is(docxMIME):
			return KindDOCX
		case m.Is("text/html"):
			return KindHTML
		}
	}
	return KindUnsupported
}
