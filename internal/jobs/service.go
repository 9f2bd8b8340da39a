package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/epub-forge/internal/epub"
	"github.com/yourusername/epub-forge/internal/events"
	"github.com/yourusername/epub-forge/internal/storage"
)

const (
	defaultUploadName  = "upload.epub"
	maxDeleteAttempts  = 3
	downloadURLPattern = "/api/jobs/%s/download"
)

// errBusy は削除対象が変換中であることを表します。
var errBusy = errors.New("job is processing")

// Normalizer はアップロードを有効な EPUB コンテナに整えます。
type Normalizer interface {
	Normalize(ctx context.Context, path string) (*epub.Report, error)
}

// Service はジョブの作成、参照、再実行、削除を所有者単位で提供します。
type Service struct {
	store      Store
	queue      Queue
	files      *storage.Local
	normalizer Normalizer
	mirror     storage.Mirror
	revealer   storage.Revealer
	events     events.Publisher
	logger     *slog.Logger
	maxUpload  int64
	now        func() time.Time
}

// ServiceOptions は任意の依存と制限を指定します。
type ServiceOptions struct {
	Mirror         storage.Mirror
	Revealer       storage.Revealer
	Events         events.Publisher
	Logger         *slog.Logger
	MaxUploadBytes int64
}

// NewService は Service を作成します。
func NewService(store Store, queue Queue, files *storage.Local, normalizer Normalizer, opts ServiceOptions) *Service {
	s := &Service{
		store:      store,
		queue:      queue,
		files:      files,
		normalizer: normalizer,
		mirror:     opts.Mirror,
		revealer:   opts.Revealer,
		events:     opts.Events,
		logger:     opts.Logger,
		maxUpload:  opts.MaxUploadBytes,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if s.mirror == nil {
		s.mirror = storage.NopMirror{}
	}
	if s.revealer == nil {
		s.revealer = storage.NopRevealer{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateInput はアップロード 1 件の内容です。
type CreateInput struct {
	OwnerID  string
	Filename string
	Body     io.Reader
	PageSize string
	Margin   string
}

// Create はアップロードを保存・正規化し、QUEUED のジョブを作成して投入します。
// 正規化に失敗した場合はディスク上の痕跡をすべて消し、ジョブは作成しません。
func (s *Service) Create(ctx context.Context, in CreateInput) (*Job, error) {
	if in.OwnerID == "" {
		return nil, newError(CodeInvalidInput, "セッションが確立されていません。", nil)
	}
	if in.Body == nil {
		return nil, newError(CodeInvalidInput, "EPUBファイルを選択してください。", nil)
	}

	jobID := uuid.NewString()
	originalName := cleanFilename(in.Filename)
	settings := ParseSettings(in.PageSize, in.Margin)

	path, size, err := s.files.SaveUpload(ctx, jobID, storage.SourceFilename, in.Body, s.maxUpload)
	if err != nil {
		_ = s.files.RemoveJob(jobID)
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, newError(CodePayloadTooLarge, "ファイルサイズが上限を超えています。", err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("save upload: %w", err)
	}

	report, err := s.normalizer.Normalize(ctx, path)
	if err != nil {
		_ = s.files.RemoveJob(jobID)
		s.logger.Warn("upload rejected: not a valid EPUB archive",
			slog.String("job_id", jobID),
			slog.String("filename", originalName),
			slog.Int64("size", size),
			slog.Any("reason", err),
		)
		if errors.Is(err, epub.ErrInvalidArchive) {
			return nil, newError(CodeInvalidArchive, archiveReason(err), err)
		}
		return nil, err
	}

	now := s.now()
	job := &Job{
		ID:               jobID,
		OwnerID:          in.OwnerID,
		OriginalFilename: originalName,
		StoredFilename:   storage.SourceFilename,
		Status:           StatusQueued,
		SizeBytes:        size,
		Settings:         settings,
		Progress:         Progress{Stage: "queued"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		_ = s.files.RemoveJob(jobID)
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("status", string(job.Status)),
		slog.String("filename", originalName),
		slog.Any("repairs", report.Repairs),
	)
	s.publish(ctx, job)

	return s.enqueue(ctx, job)
}

// List は所有者のジョブを新しい順に返します。
func (s *Service) List(ctx context.Context, ownerID string) ([]*Job, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Get は所有者のジョブを返します。他の所有者のジョブは存在しないものとして扱います。
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound()
		}
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, notFound()
	}
	return job, nil
}

// Retry は FAILED / COMPLETED / CANCELED のジョブを QUEUED に戻して再投入します。
// 記録されている PDF は受け付けの時点で削除されます。
func (s *Service) Retry(ctx context.Context, ownerID, jobID string) (*Job, error) {
	if _, err := s.files.JobDir(jobID); err != nil {
		return nil, notFound()
	}

	job, err := s.store.Update(ctx, jobID, func(j *Job) error {
		if j.OwnerID != ownerID {
			return ErrNotFound
		}
		if !j.Status.Retryable() {
			return ErrStateConflict
		}
		if j.PDFFilename != "" {
			output, err := s.files.Path(j.ID, j.PDFFilename)
			if err != nil {
				return fmt.Errorf("resolve previous output: %w", err)
			}
			if err := s.files.RemoveFile(output); err != nil {
				return fmt.Errorf("remove previous output: %w", err)
			}
		}
		j.Status = StatusQueued
		j.ErrorMessage = ""
		j.CompletedAt = nil
		j.PDFFilename = ""
		j.PageCount = 0
		j.Progress = Progress{Stage: "queued"}
		j.UpdatedAt = s.now()
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, notFound()
	case errors.Is(err, ErrStateConflict):
		return nil, newError(CodeStateConflict, "現在の状態では再実行できません。", err)
	case err != nil:
		return nil, err
	}

	if err := s.mirror.Remove(ctx, jobID); err != nil {
		s.logger.Warn("failed to remove mirrored output", slog.String("job_id", jobID), slog.Any("error", err))
	}
	s.logger.Info("job retried",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("status", string(job.Status)),
	)
	s.publish(ctx, job)

	return s.enqueue(ctx, job)
}

// DeleteResult は削除操作の結果です。Canceled が true の場合、ジョブは削除されずキャンセル扱いになりました。
type DeleteResult struct {
	Job      *Job
	Canceled bool
}

// Delete はジョブとそのディレクトリを削除します。変換中のジョブはキャンセルに切り替えます。
func (s *Service) Delete(ctx context.Context, ownerID, jobID string) (*DeleteResult, error) {
	for range maxDeleteAttempts {
		deleted, err := s.store.Delete(ctx, jobID, func(j *Job) error {
			if j.OwnerID != ownerID {
				return ErrNotFound
			}
			if j.Status == StatusProcessing {
				return errBusy
			}
			return nil
		})
		if err == nil {
			s.cleanup(ctx, deleted)
			return &DeleteResult{Job: deleted}, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, notFound()
		}
		if !errors.Is(err, errBusy) {
			return nil, err
		}

		canceled, err := s.store.Update(ctx, jobID, func(j *Job) error {
			if j.OwnerID != ownerID {
				return ErrNotFound
			}
			if j.Status != StatusProcessing {
				return errStale
			}
			j.Status = StatusCanceled
			j.UpdatedAt = s.now()
			return nil
		})
		switch {
		case err == nil:
			s.logger.Info("job canceled",
				slog.String("job_id", canceled.ID),
				slog.String("owner_id", canceled.OwnerID),
				slog.String("status", string(canceled.Status)),
			)
			s.publish(ctx, canceled)
			return &DeleteResult{Job: canceled, Canceled: true}, nil
		case errors.Is(err, ErrNotFound):
			return nil, notFound()
		case errors.Is(err, errStale):
			continue
		default:
			return nil, err
		}
	}
	return nil, newError(CodeStateConflict, "ジョブの状態が変化し続けているため削除できませんでした。", ErrStateConflict)
}

// ClearResult は一括削除の結果です。
type ClearResult struct {
	Deleted  int
	Canceled int
}

// Clear は所有者のすべてのジョブに Delete と同じ規則を適用します。
func (s *Service) Clear(ctx context.Context, ownerID string) (*ClearResult, error) {
	jobs, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	result := &ClearResult{}
	for _, job := range jobs {
		res, err := s.Delete(ctx, ownerID, job.ID)
		if err != nil {
			var apiErr *Error
			if errors.As(err, &apiErr) && apiErr.Code == CodeNotFound {
				continue
			}
			return result, err
		}
		if res.Canceled {
			result.Canceled++
		} else {
			result.Deleted++
		}
	}
	return result, nil
}

// Output は配信可能な PDF の情報です。
type Output struct {
	JobID string
	Path  string
	Name  string
}

// ResumeResult は起動時の復旧件数です。
type ResumeResult struct {
	Requeued    int
	Interrupted int
}

// interruptedMessage は停止時に変換中だったジョブへ記録するメッセージです。
const interruptedMessage = "変換中にサーバーが停止しました。再実行してください。"

// Resume はプロセス内キューを使う構成で起動時に呼びます。
// QUEUED のジョブを古い順に再投入し、PROCESSING のまま残ったジョブは FAILED にします。
func (s *Service) Resume(ctx context.Context) (*ResumeResult, error) {
	result := &ResumeResult{}

	processing, err := s.store.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	for _, job := range processing {
		updated, err := s.store.Update(ctx, job.ID, func(j *Job) error {
			if j.Status != StatusProcessing || j.Attempt != job.Attempt {
				return errStale
			}
			j.Status = StatusFailed
			j.ErrorMessage = interruptedMessage
			j.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			if errors.Is(err, errStale) || errors.Is(err, ErrNotFound) {
				continue
			}
			return result, fmt.Errorf("mark interrupted job %s: %w", job.ID, err)
		}
		result.Interrupted++
		s.publish(ctx, updated)
	}

	queued, err := s.store.ListByStatus(ctx, StatusQueued)
	if err != nil {
		return result, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(ctx, job.ID); err != nil {
			return result, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		result.Requeued++
	}

	s.logger.Info("jobs resumed",
		slog.Int("requeued", result.Requeued),
		slog.Int("interrupted", result.Interrupted),
	)
	return result, nil
}

// OpenOutput は COMPLETED かつファイルが存在する場合だけ PDF の場所を返します。
func (s *Service) OpenOutput(ctx context.Context, ownerID, jobID string) (*Output, error) {
	job, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	path, ok := s.outputPath(job)
	if !ok {
		return nil, newError(CodeNotFound, "PDF はまだ生成されていません。", ErrNotFound)
	}
	return &Output{JobID: job.ID, Path: path, Name: DownloadName(job.OriginalFilename)}, nil
}

// Reveal は PDF を OS のファイルマネージャーで表示します。
func (s *Service) Reveal(ctx context.Context, ownerID, jobID string) error {
	out, err := s.OpenOutput(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if err := s.revealer.Reveal(ctx, out.Path); err != nil {
		return newError(CodeRevealFailed, "フォルダを開けませんでした。", err)
	}
	return nil
}

// View はジョブの API 表現です。
type View struct {
	ID               string     `json:"id"`
	OriginalFilename string     `json:"originalFilename"`
	StoredFilename   string     `json:"storedFilename"`
	Status           Status     `json:"status"`
	Error            string     `json:"error,omitempty"`
	SizeBytes        int64      `json:"sizeBytes"`
	Settings         Settings   `json:"settings"`
	Progress         Progress   `json:"progress"`
	PageCount        int        `json:"pageCount,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	DownloadURL      string     `json:"downloadUrl,omitempty"`
}

// View は job を API 表現にします。ダウンロードリンクは COMPLETED かつ PDF が実在する場合だけ付きます。
func (s *Service) View(job *Job) View {
	v := View{
		ID:               job.ID,
		OriginalFilename: job.OriginalFilename,
		StoredFilename:   job.StoredFilename,
		Status:           job.Status,
		Error:            job.ErrorMessage,
		SizeBytes:        job.SizeBytes,
		Settings:         job.Settings,
		Progress:         job.Progress,
		PageCount:        job.PageCount,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		CompletedAt:      job.CompletedAt,
	}
	if _, ok := s.outputPath(job); ok {
		v.DownloadURL = fmt.Sprintf(downloadURLPattern, job.ID)
	}
	return v
}

// Views は複数のジョブを API 表現にします。
func (s *Service) Views(jobs []*Job) []View {
	views := make([]View, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, s.View(job))
	}
	return views
}

// DownloadName は元のファイル名の拡張子を .pdf に置き換えます。
func DownloadName(original string) string {
	name := original
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}
	if name == "" {
		name = "output"
	}
	return name + ".pdf"
}

func (s *Service) outputPath(job *Job) (string, bool) {
	if job.Status != StatusCompleted {
		return "", false
	}
	if job.PDFFilename == "" {
		return "", false
	}
	path, err := s.files.Path(job.ID, job.PDFFilename)
	if err != nil || !s.files.Exists(path) {
		return "", false
	}
	return path, true
}

// enqueue はジョブを投入し、最新の状態を返します。同期モードでは変換後の状態になります。
func (s *Service) enqueue(ctx context.Context, job *Job) (*Job, error) {
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.logger.Error("failed to enqueue job", slog.String("job_id", job.ID), slog.Any("error", err))
		failed, updateErr := s.store.Update(context.WithoutCancel(ctx), job.ID, func(j *Job) error {
			if j.Status != StatusQueued {
				return errStale
			}
			j.Status = StatusFailed
			j.ErrorMessage = fmt.Sprintf("failed to enqueue job: %v", err)
			j.UpdatedAt = s.now()
			return nil
		})
		if updateErr == nil {
			return failed, nil
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	latest, err := s.store.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return job, nil
		}
		return nil, err
	}
	return latest, nil
}

func (s *Service) cleanup(ctx context.Context, job *Job) {
	if err := s.files.RemoveJob(job.ID); err != nil {
		s.logger.Warn("failed to remove job directory", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := s.mirror.Remove(ctx, job.ID); err != nil {
		s.logger.Warn("failed to remove mirrored output", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	s.logger.Info("job deleted",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("status", string(job.Status)),
	)
}

func (s *Service) publish(ctx context.Context, job *Job) {
	err := s.events.Publish(ctx, events.Event{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Status:  string(job.Status),
		Error:   job.ErrorMessage,
		At:      job.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("failed to publish job event", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return defaultUploadName
	}
	return name
}

func archiveReason(err error) string {
	var archiveErr *epub.ArchiveError
	if errors.As(err, &archiveErr) && archiveErr.Reason != "" {
		return archiveErr.Reason
	}
	return "Uploaded file is not a valid EPUB archive."
}
