package epub

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	return &Normalizer{WorkDir: t.TempDir()}
}

func TestIsContainer(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		entries []zipEntry
		want    bool
	}{
		{name: "valid", entries: bookEntries("", true), want: true},
		{name: "missing mimetype", entries: bookEntries("", false), want: true},
		{name: "upper-case container path", entries: []zipEntry{{name: "meta-inf/CONTAINER.XML", body: containerXMLBody}}, want: true},
		{name: "empty mimetype", entries: []zipEntry{{name: "mimetype", body: "  \n"}, {name: "META-INF/container.xml", body: containerXMLBody}}, want: true},
		{name: "wrong mimetype", entries: []zipEntry{{name: "mimetype", body: "application/zip"}, {name: "META-INF/container.xml", body: containerXMLBody}}, want: false},
		{name: "no container", entries: []zipEntry{{name: "fake.txt", body: "not an epub"}}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".epub")
			writeFile(t, path, zipBytes(t, tc.entries))
			assert.Equal(t, tc.want, IsContainer(path))
		})
	}

	plain := filepath.Join(dir, "plain.txt")
	writeFile(t, plain, []byte("hello world"))
	assert.False(t, IsContainer(plain))
	assert.False(t, IsContainer(filepath.Join(dir, "missing.epub")))
}

func TestNormalizeValidIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.epub")
	original := zipBytes(t, bookEntries("", true))
	writeFile(t, path, original)

	report, err := newNormalizer(t).Normalize(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, report.Repaired())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, after)
}

func TestNormalizeRejectsNonZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.epub")
	writeFile(t, path, []byte("%PDF-1.4 this is not a zip"))

	_, err := newNormalizer(t).Normalize(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	assert.Contains(t, err.Error(), "not a valid EPUB archive")

	var archiveErr *ArchiveError
	require.True(t, errors.As(err, &archiveErr))
	assert.Contains(t, archiveErr.Err.Error(), "detected")
}

func TestNormalizeRejectsZipWithoutContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.epub")
	writeFile(t, path, zipBytes(t, []zipEntry{{name: "fake.txt", body: "not an epub"}}))

	_, err := newNormalizer(t).Normalize(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	assert.Contains(t, err.Error(), "valid EPUB")
}

func TestNormalizeWrappedDirectoryWithoutMimetype(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.epub")
	writeFile(t, path, zipBytes(t, bookEntries("Book/", false)))

	report, err := newNormalizer(t).Normalize(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []Strategy{StrategyLooseDirectory}, report.Repairs)
	require.True(t, IsContainer(path))

	names := zipNames(t, path)
	require.NotEmpty(t, names)
	assert.Equal(t, "mimetype", names[0])
	assert.Contains(t, names, "META-INF/container.xml")
	assert.Contains(t, names, "OEBPS/Text/ch1.xhtml")
	assert.NotContains(t, names, "Book/META-INF/container.xml")
}

func TestNormalizePromotesNestedEPUBFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.epub")
	inner := zipBytes(t, bookEntries("", true))
	writeFile(t, path, zipBytes(t, []zipEntry{
		{name: "__MACOSX/._inner.epub", body: "resource fork"},
		{name: "inner.epub", body: string(inner)},
	}))

	report, err := newNormalizer(t).Normalize(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []Strategy{StrategyNestedEPUBFile}, report.Repairs)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, inner, after)
}

func TestNormalizeRepacksNestedEPUBDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.zip")
	writeFile(t, path, zipBytes(t, bookEntries("Exports/MyBook.epub/", true)))

	report, err := newNormalizer(t).Normalize(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []Strategy{StrategyNestedEPUBDir}, report.Repairs)
	assert.True(t, IsContainer(path))
}

func TestNormalizeRepacksDirectoryInput(t *testing.T) {
	root := t.TempDir()
	bookDir := filepath.Join(root, "source.epub")
	for _, e := range bookEntries("", true) {
		writeFile(t, filepath.Join(bookDir, filepath.FromSlash(e.name)), []byte(e.body))
	}

	report, err := newNormalizer(t).Normalize(context.Background(), bookDir)
	require.NoError(t, err)
	assert.Equal(t, []Strategy{StrategyDirectory}, report.Repairs)

	info, err := os.Stat(bookDir)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.True(t, IsContainer(bookDir))
}

func TestNormalizeStopsAtMaxDepth(t *testing.T) {
	payload := zipBytes(t, []zipEntry{{name: "fake.txt", body: "innermost"}})
	for i := 0; i < 5; i++ {
		payload = zipBytes(t, []zipEntry{{name: "layer.epub", body: string(payload)}})
	}
	path := filepath.Join(t.TempDir(), "source.epub")
	writeFile(t, path, payload)

	n := newNormalizer(t)
	n.MaxDepth = 3
	_, err := n.Normalize(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	assert.Contains(t, err.Error(), "deeper than 3")
}

func wrapLayers(t *testing.T, payload []byte, layers int) []byte {
	t.Helper()
	for i := 0; i < layers; i++ {
		payload = zipBytes(t, []zipEntry{{name: "layer.epub", body: string(payload)}})
	}
	return payload
}

func TestNormalizeAllowsExactlyMaxDepthRepairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.epub")
	writeFile(t, path, wrapLayers(t, zipBytes(t, bookEntries("", true)), 3))

	n := newNormalizer(t)
	n.MaxDepth = 3
	report, err := n.Normalize(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, report.Repairs, 3)
	assert.True(t, IsContainer(path))
}

func TestNormalizeRejectsOneRepairBeyondMaxDepth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.epub")
	writeFile(t, path, wrapLayers(t, zipBytes(t, bookEntries("", true)), 4))

	n := newNormalizer(t)
	n.MaxDepth = 3
	report, err := n.Normalize(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArchive)
	assert.Contains(t, err.Error(), "deeper than 3")
	assert.Len(t, report.Repairs, 3)
}

func TestNormalizeRejectsNestedNonEPUB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.epub")
	inner := zipBytes(t, []zipEntry{{name: "fake.txt", body: "x"}})
	outer := zipBytes(t, []zipEntry{{name: "a.epub", body: string(inner)}})
	writeFile(t, path, outer)

	_, err := newNormalizer(t).Normalize(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
}

func TestRepackOrdersEntries(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "Wrapper", "z.txt"), []byte("z"))
	writeFile(t, filepath.Join(src, "Wrapper", "META-INF", "container.xml"), []byte(containerXMLBody))
	writeFile(t, filepath.Join(src, "Wrapper", "mimetype"), []byte(MediaType))
	writeFile(t, filepath.Join(src, "Wrapper", "__MACOSX", "junk"), []byte("junk"))
	writeFile(t, filepath.Join(src, "__MACOSX", "._Wrapper"), []byte("junk"))

	out := filepath.Join(root, "out.epub")
	require.NoError(t, Repack(src, out))

	assert.Equal(t, []string{"mimetype", "META-INF/container.xml", "z.txt"}, zipNames(t, out))

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer zr.Close()
	assert.Equal(t, zip.Store, zr.File[0].Method)
}

func TestExtractEnforcesLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.zip")
	big := make([]byte, 4096)
	writeFile(t, path, zipBytes(t, []zipEntry{{name: "big.bin", body: string(big)}}))

	err := Extract(path, filepath.Join(dir, "out"), 1024)
	require.Error(t, err)
}

func TestExtractContainsTraversal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.zip")
	writeFile(t, path, zipBytes(t, []zipEntry{{name: "../../escape.txt", body: "x"}}))

	dest := filepath.Join(dir, "out")
	require.NoError(t, Extract(path, dest, 0))
	_, err := os.Stat(filepath.Join(dest, "escape.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "..", "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}
