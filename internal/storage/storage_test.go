package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSaveUpload(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	jobID := uuid.NewString()

	path, n, err := s.SaveUpload(context.Background(), jobID, SourceFilename, strings.NewReader("epub bytes"), 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, filepath.Join(s.BaseDir(), jobID, SourceFilename), path)
	assert.True(t, s.Exists(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalSaveUploadTooLarge(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	jobID := uuid.NewString()

	_, _, err = s.SaveUpload(context.Background(), jobID, SourceFilename, strings.NewReader(strings.Repeat("x", 100)), 10)
	require.ErrorIs(t, err, ErrTooLarge)

	path, err := s.Path(jobID, SourceFilename)
	require.NoError(t, err)
	assert.False(t, s.Exists(path))
}

func TestLocalRejectsUnsafeNames(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = s.JobDir("../etc")
	assert.Error(t, err)
	_, err = s.Path(uuid.NewString(), "../source.epub")
	assert.Error(t, err)
	_, err = s.Path(uuid.NewString(), "")
	assert.Error(t, err)
}

func TestLocalRemoveJob(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	jobID := uuid.NewString()

	path, _, err := s.SaveUpload(context.Background(), jobID, SourceFilename, strings.NewReader("x"), 0)
	require.NoError(t, err)
	require.NoError(t, s.RemoveFile(filepath.Join(filepath.Dir(path), OutputName(1))))
	require.NoError(t, s.RemoveJob(jobID))

	dir, err := s.JobDir(jobID)
	require.NoError(t, err)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestRevealCommand(t *testing.T) {
	name, args := revealCommand("darwin", "/data/job/output.pdf")
	assert.Equal(t, "open", name)
	assert.Equal(t, []string{"-R", "/data/job/output.pdf"}, args)

	name, args = revealCommand("windows", `C:\data\output.pdf`)
	assert.Equal(t, "explorer", name)
	assert.Equal(t, "/select,", args[0])

	name, args = revealCommand("linux", "/data/job/output.pdf")
	assert.Equal(t, "xdg-open", name)
	assert.Equal(t, []string{"/data/job"}, args)
}

func TestNopRevealer(t *testing.T) {
	r := NewRevealer(false, nil)
	file := filepath.Join(t.TempDir(), "output.pdf")
	require.Error(t, r.Reveal(context.Background(), file))
	require.NoError(t, os.WriteFile(file, []byte("%PDF"), 0o644))
	require.NoError(t, r.Reveal(context.Background(), file))
}

func TestMinioObjectName(t *testing.T) {
	m := &MinioMirror{basePath: basePrefix("/exports/")}
	assert.Equal(t, "exports/abc/output.pdf", m.objectName("abc"))
	assert.Equal(t, "", basePrefix("//"))
}
