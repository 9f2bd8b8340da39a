package epub

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

func extractedBook(t *testing.T, entries []zipEntry) (archive, dir string) {
	t.Helper()
	root := t.TempDir()
	archive = filepath.Join(root, "book.epub")
	writeFile(t, archive, zipBytes(t, entries))
	dir = filepath.Join(root, "extracted")
	require.NoError(t, Extract(archive, dir, 0))
	return archive, dir
}

func TestOpenPackage(t *testing.T) {
	pkg, err := OpenPackage(extractedBook(t, bookEntries("", true)))
	require.NoError(t, err)

	assert.Equal(t, "OEBPS/content.opf", pkg.OPFPath)
	assert.Equal(t, "Test Book", pkg.Title)
	require.Len(t, pkg.Manifest, 4)

	docs := pkg.Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, "OEBPS/Text/ch1.xhtml", docs[0].Href)
	assert.Equal(t, "OEBPS/Text/ch2.xhtml", docs[1].Href)

	styles := pkg.Stylesheets()
	require.Len(t, styles, 1)
	assert.Equal(t, "OEBPS/Styles/style.css", styles[0].Href)
}

func TestOpenPackageReadsChaptersFromArchive(t *testing.T) {
	archive, dir := extractedBook(t, bookEntries("", true))
	pkg, err := OpenPackage(archive, dir)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "OEBPS", "Text")))
	out := Assemble(pkg)
	assert.Contains(t, out, "Chapter One")
	assert.Contains(t, out, "Chapter Two")
	assert.Contains(t, out, `src="OEBPS/Images/cover.png"`)
}

func TestOpenPackageRejectsDRMProtectedBook(t *testing.T) {
	entries := append(bookEntries("", true),
		zipEntry{name: "META-INF/rights.xml", body: `<?xml version="1.0"?><adept:rights xmlns:adept="http://ns.adobe.com/adept"><adept:licenseToken/></adept:rights>`},
		zipEntry{name: "META-INF/encryption.xml", body: `<?xml version="1.0"?>
<encryption xmlns="urn:oasis:names:tc:opendocument:xmlns:container" xmlns:enc="http://www.w3.org/2001/04/xmlenc#">
  <enc:EncryptedData>
    <enc:EncryptionMethod Algorithm="http://www.w3.org/2001/04/xmlenc#aes128-cbc"/>
    <enc:CipherData><enc:CipherReference URI="OEBPS/Text/ch1.xhtml"/></enc:CipherData>
  </enc:EncryptedData>
</encryption>`},
	)
	_, err := OpenPackage(extractedBook(t, entries))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArchive)
	assert.Contains(t, err.Error(), "DRM")
}

func TestOpenPackageWithoutArchiveReadsExtractedFiles(t *testing.T) {
	_, dir := extractedBook(t, bookEntries("", true))
	pkg, err := OpenPackage("", dir)
	require.NoError(t, err)
	assert.Contains(t, Assemble(pkg), "Chapter One")
}

func TestDocumentsFallBackToManifest(t *testing.T) {
	pkg := &Package{Manifest: []Item{
		{ID: "a", Href: "a.xhtml", MediaType: "application/xhtml+xml"},
		{ID: "css", Href: "a.css", MediaType: "text/css"},
		{ID: "b", Href: "b.html", MediaType: "text/html"},
	}}
	docs := pkg.Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, "a.xhtml", docs[0].Href)
	assert.Equal(t, "b.html", docs[1].Href)
}

func TestAssemble(t *testing.T) {
	pkg, err := OpenPackage(extractedBook(t, bookEntries("", true)))
	require.NoError(t, err)

	out := Assemble(pkg)

	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, `<meta charset="utf-8">`)
	assert.Contains(t, out, `<base href="`+BaseURL(pkg.Dir)+`">`)
	assert.Contains(t, out, "<title>Test Book</title>")
	assert.Contains(t, out, "h1 { color: #2563eb; }")
	assert.Contains(t, out, "url('OEBPS/Images/cover.png')")

	assert.Contains(t, out, `src="OEBPS/Images/cover.png"`)
	assert.Contains(t, out, `href="OEBPS/Text/ch2.xhtml#s1"`)
	assert.Contains(t, out, `href="#top"`)
	assert.NotContains(t, out, "dropped")

	one := strings.Index(out, "Chapter One")
	two := strings.Index(out, "Chapter Two")
	require.True(t, one >= 0 && two >= 0)
	assert.Less(t, one, two)
	assert.Equal(t, 2, strings.Count(out, `<section class="epub-document">`))
}

func TestAssembleSkipsMissingDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok.xhtml"), []byte("<html><body><p>kept</p></body></html>"))
	pkg := &Package{Dir: dir, Spine: []Item{
		{Href: "missing.xhtml", MediaType: "application/xhtml+xml"},
		{Href: "ok.xhtml", MediaType: "application/xhtml+xml"},
	}}

	out := Assemble(pkg)
	assert.Contains(t, out, "<p>kept</p>")
	assert.Equal(t, 1, strings.Count(out, `<section class="epub-document">`))
	assert.NotContains(t, out, "<title>")
}

func TestResolveResource(t *testing.T) {
	cases := []struct {
		dir, link, want string
	}{
		{"OEBPS/Text", "../Images/a.png", "OEBPS/Images/a.png"},
		{"OEBPS/Text", "ch2.xhtml#note", "OEBPS/Text/ch2.xhtml#note"},
		{"OEBPS/Text", "img.png?v=1", "OEBPS/Text/img.png?v=1"},
		{"OEBPS/Text", "#anchor", "#anchor"},
		{"OEBPS/Text", "/abs/path.png", "/abs/path.png"},
		{"OEBPS/Text", "https://example.com/x.png", "https://example.com/x.png"},
		{"OEBPS/Text", "mailto:someone@example.com", "mailto:someone@example.com"},
		{"OEBPS/Text", "data:image/png;base64,AAAA", "data:image/png;base64,AAAA"},
		{"OEBPS/Text", "", ""},
		{".", "a.png", "a.png"},
		{"", " b.png ", "b.png"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveResource(tc.dir, tc.link), "dir=%q link=%q", tc.dir, tc.link)
	}
}

func TestBaseURL(t *testing.T) {
	dir := t.TempDir()
	base := BaseURL(dir)
	assert.True(t, strings.HasPrefix(base, "file:///"))
	assert.True(t, strings.HasSuffix(base, "/"))
	assert.False(t, strings.HasSuffix(base, "//"))
}

func TestDecodeText(t *testing.T) {
	t.Run("utf-8 with BOM", func(t *testing.T) {
		assert.Equal(t, "héllo", DecodeText(append([]byte{0xEF, 0xBB, 0xBF}, []byte("héllo")...)))
	})

	t.Run("utf-16 with BOM", func(t *testing.T) {
		encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String("<p>日本語</p>")
		require.NoError(t, err)
		assert.Equal(t, "<p>日本語</p>", DecodeText([]byte(encoded)))
	})

	t.Run("gb18030", func(t *testing.T) {
		encoded, err := simplifiedchinese.GB18030.NewEncoder().String("中文段落")
		require.NoError(t, err)
		assert.Equal(t, "中文段落", DecodeText([]byte(encoded)))
	})

	t.Run("never fails", func(t *testing.T) {
		out := DecodeText([]byte{0xFF, 0xFE, 0xFD, 'a'})
		assert.NotPanics(t, func() { _ = DecodeText(nil) })
		assert.NotEmpty(t, out)
	})
}
