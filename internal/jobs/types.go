// Package jobs は EPUB→PDF 変換ジョブの永続化、キュー、ワーカー、HTTP ハンドラーを提供します。
package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Retryable は再実行を受け付ける状態かどうかを返します。
func (s Status) Retryable() bool {
	switch s {
	case StatusFailed, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Settings は作成時に確定するページ設定です。以後は再検証しません。
type Settings struct {
	PageSize string  `json:"pageSize"`
	MarginMM float64 `json:"marginMm"`
}

// Progress は進捗の補足情報を表します。
type Progress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// Job は変換リクエスト 1 件の記録です。
type Job struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerID          string     `gorm:"size:36;not null;index:idx_jobs_owner_created,priority:1" json:"ownerId"`
	OriginalFilename string     `gorm:"size:255" json:"originalFilename"`
	StoredFilename   string     `gorm:"size:255" json:"storedFilename"`
	PDFFilename      string     `gorm:"size:255" json:"pdfFilename,omitempty"`
	Status           Status     `gorm:"size:24;index" json:"status"`
	SizeBytes        int64      `json:"sizeBytes"`
	ErrorMessage     string     `gorm:"type:text" json:"errorMessage,omitempty"`
	Settings         Settings   `gorm:"serializer:json" json:"settings"`
	Progress         Progress   `gorm:"serializer:json" json:"progress"`
	PageCount        int        `json:"pageCount,omitempty"`
	Attempt          int        `json:"attempt"`
	CreatedAt        time.Time  `gorm:"index:idx_jobs_owner_created,priority:2" json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Clone はミューテーション用のコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
