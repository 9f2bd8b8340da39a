package epub

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name  string
	body  string
	store bool
}

const containerXMLBody = `<?xml version="1.0" encoding="utf-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const contentOPFBody = `<?xml version="1.0" encoding="utf-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0" unique-identifier="BookId">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Test Book</dc:title>
    <dc:identifier id="BookId">urn:uuid:3b1f0c2e-8a4d-4c55-9f0e-2d7c6a1b9e10</dc:identifier>
    <dc:language>en</dc:language>
  </metadata>
  <manifest>
    <item id="style" href="Styles/style.css" media-type="text/css"/>
    <item id="ch2" href="Text/ch2.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch1" href="Text/ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="cover" href="Images/cover.png" media-type="image/png"/>
  </manifest>
  <spine>
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
  </spine>
</package>`

const chapterOneBody = `<?xml version="1.0" encoding="utf-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
  <head><title>Chapter 1</title><meta name="x" content="dropped"/></head>
  <body><h1>Chapter One</h1><img src="../Images/cover.png" alt="cover"/><a href="ch2.xhtml#s1">next</a><a href="#top">top</a></body>
</html>`

const chapterTwoBody = `<html><body><p id="s1">Chapter Two</p></body></html>`

func bookEntries(prefix string, withMimetype bool) []zipEntry {
	var entries []zipEntry
	if withMimetype {
		entries = append(entries, zipEntry{name: prefix + "mimetype", body: MediaType, store: true})
	}
	return append(entries,
		zipEntry{name: prefix + "META-INF/container.xml", body: containerXMLBody},
		zipEntry{name: prefix + "OEBPS/content.opf", body: contentOPFBody},
		zipEntry{name: prefix + "OEBPS/Styles/style.css", body: "h1 { color: #2563eb; } .c { background: url('../Images/cover.png'); }"},
		zipEntry{name: prefix + "OEBPS/Text/ch1.xhtml", body: chapterOneBody},
		zipEntry{name: prefix + "OEBPS/Text/ch2.xhtml", body: chapterTwoBody},
		zipEntry{name: prefix + "OEBPS/Images/cover.png", body: "\x89PNG\r\n\x1a\nfake"},
	)
}

func zipBytes(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		method := zip.Deflate
		if e.store {
			method = zip.Store
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: method})
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}
