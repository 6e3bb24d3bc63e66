package docxextract

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBody = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
  <w:body>
    <w:p><w:r><w:t>Join the group at </w:t></w:r><w:r><w:t>chat.whatsapp.com/Abc123</w:t></w:r></w:p>
    <w:p><w:hyperlink r:id="rId5"><w:r><w:t>our channel</w:t></w:r></w:hyperlink></w:p>
    <w:tbl><w:tr><w:tc><w:p><w:r><w:t>cell t.me/somechannel</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
    <w:p></w:p>
  </w:body>
</w:document>`

const testRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>
  <Relationship Id="rId5" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/hyperlink" Target="https://t.me/otherchannel" TargetMode="External"/>
</Relationships>`

const (
	documentPart      = "word/document.xml"
	relationshipsPart = "word/_rels/document.xml.rels"
)

// writeDOCX zips parts into a .docx under a temp dir and returns its path.
func writeDOCX(t *testing.T, parts map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	path := filepath.Join(t.TempDir(), "doc.docx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestExtractParagraphsAndHyperlinks(t *testing.T) {
	path := writeDOCX(t, map[string]string{
		documentPart:      testBody,
		relationshipsPart: testRels,
	})

	doc, err := ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Join the group at chat.whatsapp.com/Abc123",
		"our channel",
		"cell t.me/somechannel",
	}, doc.Paragraphs)
	assert.Equal(t, []string{"https://t.me/otherchannel"}, doc.Hyperlinks)
}

func TestExtractWithoutRelationships(t *testing.T) {
	doc, err := ExtractFile(writeDOCX(t, map[string]string{documentPart: testBody}))
	require.NoError(t, err)
	assert.Len(t, doc.Paragraphs, 3)
	assert.Empty(t, doc.Hyperlinks)
}

func TestExtractRejectsNonDOCX(t *testing.T) {
	_, err := ExtractFile(writeDOCX(t, map[string]string{"hello.txt": "hi"}))
	assert.ErrorIs(t, err, ErrNotDOCX)

	garbage := filepath.Join(t.TempDir(), "nope.docx")
	require.NoError(t, os.WriteFile(garbage, []byte("nope"), 0o600))
	_, err = ExtractFile(garbage)
	assert.Error(t, err)
}

func TestExtractNestedTablesAndTabs(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>see</w:t><w:tab/><w:t>x.com/user</w:t></w:r></w:p>
    <w:tbl><w:tr><w:tc>
      <w:p><w:r><w:t>outer</w:t></w:r></w:p>
      <w:tbl><w:tr><w:tc><w:p><w:r><w:t>inner fb.com/page</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
    </w:tc></w:tr></w:tbl>
  </w:body>
</w:document>`
	doc, err := ExtractFile(writeDOCX(t, map[string]string{documentPart: body}))
	require.NoError(t, err)
	assert.Equal(t, []string{"see x.com/user", "outer", "inner fb.com/page"}, doc.Paragraphs)
}
