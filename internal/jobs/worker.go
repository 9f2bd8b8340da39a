package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/events"
	"github.com/yourusername/epub-forge/internal/storage"
)

const canceledMessage = "ジョブはキャンセルされました。"

// errStale は mutate が何も書き込まずに終わることを表します。
var errStale = errors.New("job changed by another actor")

// Converter は EPUB から PDF への変換を実行します。
type Converter interface {
	Convert(ctx context.Context, req convert.Request, progress convert.ProgressFunc) (*convert.Result, error)
}

// Worker はキューから受け取ったジョブを 1 件ずつ状態遷移させながら変換します。
type Worker struct {
	store     Store
	files     *storage.Local
	converter Converter
	mirror    storage.Mirror
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// WorkerOptions は任意の依存を指定します。
type WorkerOptions struct {
	Mirror storage.Mirror
	Events events.Publisher
	Logger *slog.Logger
}

// NewWorker は Worker を作成します。
func NewWorker(store Store, files *storage.Local, converter Converter, opts WorkerOptions) *Worker {
	w := &Worker{
		store:     store,
		files:     files,
		converter: converter,
		mirror:    opts.Mirror,
		events:    opts.Events,
		logger:    opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if w.mirror == nil {
		w.mirror = storage.NopMirror{}
	}
	if w.events == nil {
		w.events = events.Nop{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Process は 1 件のジョブを処理します。失敗はすべてジョブに記録され、呼び出し元には伝わりません。
// ctx の終了は変換だけを中断し、状態の記録は最後まで行います。
func (w *Worker) Process(ctx context.Context, jobID string) {
	stateCtx := context.WithoutCancel(ctx)
	job, err := w.claim(stateCtx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			w.logger.Info("job vanished before dispatch", slog.String("job_id", jobID))
		case errors.Is(err, errStale):
			w.logger.Info("job skipped at dispatch", slog.String("job_id", jobID))
		default:
			w.logger.Error("failed to claim job", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return
	}

	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.Int("attempt", job.Attempt),
	)
	logger.Info("job processing", slog.String("status", string(StatusProcessing)))
	w.publish(stateCtx, job)

	defer func() {
		if r := recover(); r != nil {
			w.fail(stateCtx, logger, job, fmt.Errorf("panic during conversion: %v\n%s", r, debug.Stack()))
		}
	}()

	result, err := w.run(ctx, stateCtx, job)
	if err != nil {
		w.fail(stateCtx, logger, job, err)
		return
	}
	w.finish(stateCtx, logger, job, result)
}

// claim は QUEUED のジョブを PROCESSING にし、実行番号を進めます。
// QUEUED 以外 (キャンセル済みなど) の場合は何もせず errStale を返します。
func (w *Worker) claim(ctx context.Context, jobID string) (*Job, error) {
	return w.store.Update(ctx, jobID, func(j *Job) error {
		if j.Status != StatusQueued {
			return errStale
		}
		j.Status = StatusProcessing
		j.ErrorMessage = ""
		j.Attempt++
		j.Progress = Progress{Stage: "dispatch", Percent: 0}
		j.UpdatedAt = w.now()
		return nil
	})
}

func (w *Worker) run(ctx, stateCtx context.Context, job *Job) (*convert.Result, error) {
	source, err := w.files.Path(job.ID, job.StoredFilename)
	if err != nil {
		return nil, err
	}
	output, err := w.files.Path(job.ID, storage.OutputName(job.Attempt))
	if err != nil {
		return nil, err
	}

	return w.converter.Convert(ctx, convert.Request{
		SourcePath: source,
		OutputPath: output,
		Options:    job.Settings.RenderOptions(),
	}, func(stage string, percent int) {
		w.progress(stateCtx, job, stage, percent)
	})
}

func (w *Worker) progress(ctx context.Context, job *Job, stage string, percent int) {
	_, err := w.store.Update(ctx, job.ID, func(j *Job) error {
		if j.Status != StatusProcessing || j.Attempt != job.Attempt {
			return errStale
		}
		j.Progress = Progress{Stage: stage, Percent: percent}
		j.UpdatedAt = w.now()
		return nil
	})
	if err != nil && !errors.Is(err, errStale) {
		w.logger.Warn("failed to update progress", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// finish はレンダリング後の状態を読み直し、まだ同じ実行中であれば COMPLETED にします。
// キャンセルや再実行が先行していた場合は、この実行が生成した PDF だけを破棄します。
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, job *Job, result *convert.Result) {
	var discarded bool
	updated, err := w.store.Update(ctx, job.ID, func(j *Job) error {
		discarded = false
		now := w.now()
		if j.Status != StatusProcessing || j.Attempt != job.Attempt {
			discarded = true
			if j.Status == StatusCanceled && j.ErrorMessage == "" {
				j.ErrorMessage = canceledMessage
				j.UpdatedAt = now
				return nil
			}
			return errStale
		}
		j.Status = StatusCompleted
		j.PDFFilename = storage.OutputName(job.Attempt)
		j.PageCount = result.Pages
		j.Progress = Progress{Stage: "completed", Percent: 100}
		j.CompletedAt = &now
		j.UpdatedAt = now
		return nil
	})

	if discarded || err != nil {
		if removeErr := w.files.RemoveFile(result.OutputPath); removeErr != nil {
			logger.Warn("failed to discard output", slog.Any("error", removeErr))
		}
		switch {
		case discarded:
			logger.Info("job output discarded after cancellation")
			if updated != nil {
				w.publish(ctx, updated)
			}
		case errors.Is(err, ErrNotFound):
			logger.Info("job deleted during conversion")
		default:
			logger.Error("failed to complete job", slog.Any("error", err))
		}
		return
	}

	logger.Info("job completed",
		slog.String("status", string(updated.Status)),
		slog.Int("pages", result.Pages),
		slog.Int64("size", result.Size),
	)
	if err := w.mirror.Put(ctx, updated.ID, result.OutputPath); err != nil {
		logger.Warn("failed to mirror output", slog.Any("error", err))
	}
	w.publish(ctx, updated)
}

// fail は変換エラーの詳細をジョブに記録します。
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *Job, cause error) {
	if output, err := w.files.Path(job.ID, storage.OutputName(job.Attempt)); err == nil {
		_ = w.files.RemoveFile(output)
	}

	updated, err := w.store.Update(ctx, job.ID, func(j *Job) error {
		now := w.now()
		if j.Status != StatusProcessing || j.Attempt != job.Attempt {
			if j.Status == StatusCanceled && j.ErrorMessage == "" {
				j.ErrorMessage = canceledMessage
				j.UpdatedAt = now
				return nil
			}
			return errStale
		}
		j.Status = StatusFailed
		j.ErrorMessage = cause.Error()
		j.UpdatedAt = now
		return nil
	})
	switch {
	case err == nil:
		logger.Warn("job failed", slog.String("status", string(updated.Status)), slog.Any("error", cause))
		w.publish(ctx, updated)
	case errors.Is(err, errStale), errors.Is(err, ErrNotFound):
		logger.Info("conversion error ignored for superseded job", slog.Any("error", cause))
	default:
		logger.Error("failed to record job failure", slog.Any("error", err), slog.Any("cause", cause))
	}
}

func (w *Worker) publish(ctx context.Context, job *Job) {
	err := w.events.Publish(ctx, events.Event{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Status:  string(job.Status),
		Error:   job.ErrorMessage,
		At:      job.UpdatedAt,
	})
	if err != nil {
		w.logger.Warn("failed to publish job event", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
