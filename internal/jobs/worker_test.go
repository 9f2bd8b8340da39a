package jobs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/storage"
)

func seedJob(t *testing.T, f *fixture, status Status) *Job {
	t.Helper()
	return seedJobAt(t, f, "7f3e0a52-9c1b-4e8d-a6f4-0d2b5c9e1a10", status, time.Now().UTC())
}

func seedJobAt(t *testing.T, f *fixture, id string, status Status, now time.Time) *Job {
	t.Helper()
	job := &Job{
		ID:               id,
		OwnerID:          ownerA,
		OriginalFilename: "book.epub",
		StoredFilename:   storage.SourceFilename,
		Status:           status,
		Settings:         ParseSettings("A4", "15"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, _, err := f.files.SaveUpload(t.Context(), job.ID, storage.SourceFilename,
		bytes.NewReader(zipEntries(t, "", validBook)), 0)
	require.NoError(t, err)
	require.NoError(t, f.store.Create(t.Context(), job))
	return job
}

func TestWorkerSkipsCanceledJob(t *testing.T) {
	f := newFixture(t)
	job := seedJob(t, f, StatusCanceled)

	f.worker.Process(t.Context(), job.ID)

	got, err := f.store.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	assert.Equal(t, 0, got.Attempt)
	assert.NoFileExists(t, f.outputPath(t, job.ID, 1))
}

func TestWorkerIgnoresMissingJob(t *testing.T) {
	f := newFixture(t)
	f.worker.Process(t.Context(), "00000000-0000-4000-8000-000000000000")
}

func TestWorkerRecordsProgress(t *testing.T) {
	f := newFixture(t)
	job := seedJob(t, f, StatusQueued)

	var seen Progress
	f.renderer.Hook = func(ctx context.Context) {
		current, err := f.store.Get(ctx, job.ID)
		require.NoError(t, err)
		seen = current.Progress
	}

	f.worker.Process(t.Context(), job.ID)

	assert.Equal(t, Progress{Stage: convert.StageRender, Percent: 50}, seen)
	got, err := f.store.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, storage.OutputName(1), got.PDFFilename)
	assert.FileExists(t, f.outputPath(t, job.ID, 1))
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	job := seedJob(t, f, StatusQueued)
	f.renderer.Hook = func(context.Context) {
		panic("renderer exploded")
	}

	f.worker.Process(t.Context(), job.ID)

	got, err := f.store.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "renderer exploded")
}

func TestWorkerStaleRunCannotComplete(t *testing.T) {
	f := newFixture(t)
	job := seedJob(t, f, StatusQueued)

	// 変換中にキャンセルと再実行が先行し、別の実行番号で PROCESSING に戻ったケース
	f.renderer.Hook = func(ctx context.Context) {
		_, err := f.store.Update(ctx, job.ID, func(j *Job) error {
			j.Attempt++
			return nil
		})
		require.NoError(t, err)
	}

	f.worker.Process(t.Context(), job.ID)

	got, err := f.store.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.NoFileExists(t, f.outputPath(t, job.ID, 1))
}

func TestStaleRunKeepsNewerAttemptOutput(t *testing.T) {
	f := newFixture(t)
	job := seedJob(t, f, StatusQueued)

	// 1 回目の変換中にキャンセルと再実行を行い、2 回目を先に完了させる
	var fired bool
	f.renderer.Hook = func(ctx context.Context) {
		if fired {
			return
		}
		fired = true
		res, err := f.svc.Delete(ctx, ownerA, job.ID)
		require.NoError(t, err)
		require.True(t, res.Canceled)
		retried, err := f.svc.Retry(ctx, ownerA, job.ID)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, retried.Status)
		require.FileExists(t, f.outputPath(t, job.ID, 2))
	}

	f.worker.Process(t.Context(), job.ID)

	got, err := f.store.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, storage.OutputName(2), got.PDFFilename)
	assert.FileExists(t, f.outputPath(t, job.ID, 2))
	assert.NoFileExists(t, f.outputPath(t, job.ID, 1))
	assert.NotEmpty(t, f.svc.View(got).DownloadURL)
}

func TestWorkerContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	first := seedJob(t, f, StatusQueued)
	f.renderer.Err = errors.New("boom")
	f.worker.Process(t.Context(), first.ID)

	f.renderer.Err = nil
	second, err := f.upload(t, ownerA, zipEntries(t, "", validBook))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)

	got, err := f.store.Get(t.Context(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}
