package jobs

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/epub"
	"github.com/yourusername/epub-forge/internal/render"
	"github.com/yourusername/epub-forge/internal/storage"
)

const (
	ownerA = "0b7c2f8e-1d7a-4c1e-9a55-3f0d7f2e6a01"
	ownerB = "5d1e9c34-77b0-4f2a-8c61-2a9e0b4d8c02"
)

type entry struct {
	name string
	body string
}

var validBook = []entry{
	{"mimetype", "application/epub+zip"},
	{"META-INF/container.xml", `<?xml version="1.0"?><container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container"><rootfiles><rootfile full-path="content.opf" media-type="application/oebps-package+xml"/></rootfiles></container>`},
	{"content.opf", `<?xml version="1.0"?><package xmlns="http://www.idpf.org/2007/opf" version="3.0"><metadata><dc:title xmlns:dc="http://purl.org/dc/elements/1.1/">Sample</dc:title></metadata><manifest><item id="c1" href="text/c1.xhtml" media-type="application/xhtml+xml"/></manifest><spine><itemref idref="c1"/></spine></package>`},
	{"text/c1.xhtml", `<html xmlns="http://www.w3.org/1999/xhtml"><head><title>c1</title></head><body><p>hello</p><img src="../img/a.png"/></body></html>`},
}

func zipEntries(t *testing.T, prefix string, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(prefix + e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fixture struct {
	svc      *Service
	worker   *Worker
	store    Store
	files    *storage.Local
	renderer *render.StubRenderer
}

// newFixture は SQLite ストアとスタブレンダラーを使った同期モードの構成を作ります。
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := OpenDatabase(DriverSQLite, filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewGormStore(db)
	files, err := storage.NewLocal(filepath.Join(dir, "storage"))
	require.NoError(t, err)

	renderer := &render.StubRenderer{}
	converter := convert.New(renderer, t.TempDir(), 0, nil)
	worker := NewWorker(store, files, converter, WorkerOptions{})
	queue := NewInlineQueue(worker.Process)
	normalizer := &epub.Normalizer{WorkDir: t.TempDir()}

	svc := NewService(store, queue, files, normalizer, ServiceOptions{MaxUploadBytes: 10 << 20})
	return &fixture{svc: svc, worker: worker, store: store, files: files, renderer: renderer}
}

func (f *fixture) upload(t *testing.T, owner string, body []byte) (*Job, error) {
	t.Helper()
	return f.svc.Create(t.Context(), CreateInput{
		OwnerID:  owner,
		Filename: "book.epub",
		Body:     bytes.NewReader(body),
		PageSize: "A4",
		Margin:   "15",
	})
}

// outputPath は指定した実行番号の PDF パスを返します。
func (f *fixture) outputPath(t *testing.T, jobID string, attempt int) string {
	t.Helper()
	p, err := f.files.Path(jobID, storage.OutputName(attempt))
	require.NoError(t, err)
	return p
}
