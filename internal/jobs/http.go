package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// OwnerFunc はリクエストから所有者 ID を取り出します。
type OwnerFunc func(c *gin.Context) string

// Handlers は /api/jobs 以下のハンドラーをまとめます。
type Handlers struct {
	svc   *Service
	owner OwnerFunc
}

// NewHandlers は Handlers を作成します。
func NewHandlers(svc *Service, owner OwnerFunc) *Handlers {
	return &Handlers{svc: svc, owner: owner}
}

// Register は jobs 系のルートを group に登録します。
func (h *Handlers) Register(group *gin.RouterGroup) {
	group.GET("/jobs", h.List)
	group.POST("/jobs", h.Create)
	group.DELETE("/jobs", h.Clear)
	group.GET("/jobs/:id", h.Get)
	group.DELETE("/jobs/:id", h.Delete)
	group.POST("/jobs/:id/retry", h.Retry)
	group.GET("/jobs/:id/download", h.Download)
	group.POST("/jobs/:id/reveal", h.Reveal)
}

// Create は POST /api/jobs のハンドラーです。
func (h *Handlers) Create(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    CodePayloadTooLarge,
				"message": "ファイルサイズが上限を超えています。",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "multipart/form-data でEPUBファイルを送信してください。",
		})
		return
	}
	defer file.Close()
	if c.Request.MultipartForm != nil {
		defer c.Request.MultipartForm.RemoveAll()
	}

	job, err := h.svc.Create(c.Request.Context(), CreateInput{
		OwnerID:  h.owner(c),
		Filename: header.Filename,
		Body:     file,
		PageSize: c.PostForm("pageSize"),
		Margin:   c.PostForm("margin"),
	})
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": h.svc.View(job)})
}

// List は GET /api/jobs のハンドラーです。
func (h *Handlers) List(c *gin.Context) {
	jobs, err := h.svc.List(c.Request.Context(), h.owner(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.svc.Views(jobs)})
}

// Get は GET /api/jobs/:id のハンドラーです。
func (h *Handlers) Get(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := h.svc.Get(c.Request.Context(), h.owner(c), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": h.svc.View(job)})
}

// Retry は POST /api/jobs/:id/retry のハンドラーです。
func (h *Handlers) Retry(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := h.svc.Retry(c.Request.Context(), h.owner(c), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": h.svc.View(job)})
}

// Delete は DELETE /api/jobs/:id のハンドラーです。変換中のジョブはキャンセル扱いになります。
func (h *Handlers) Delete(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	res, err := h.svc.Delete(c.Request.Context(), h.owner(c), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if res.Canceled {
		c.JSON(http.StatusAccepted, gin.H{"canceled": true, "job": h.svc.View(res.Job)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Clear は DELETE /api/jobs のハンドラーです。
func (h *Handlers) Clear(c *gin.Context) {
	res, err := h.svc.Clear(c.Request.Context(), h.owner(c))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": res.Deleted, "canceled": res.Canceled})
}

// Download は GET /api/jobs/:id/download のハンドラーです。
func (h *Handlers) Download(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	out, err := h.svc.OpenOutput(c.Request.Context(), h.owner(c), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	file, err := os.Open(out.Path)
	if err != nil {
		respondWithError(c, newError(CodeNotFound, "PDF が見つかりませんでした。", ErrNotFound))
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		respondWithError(c, err)
		return
	}

	const contentType = "application/pdf"
	encodedName := url.PathEscape(out.Name)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", asciiFallback(out.Name), encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", out.JobID)
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}

// Reveal は POST /api/jobs/:id/reveal のハンドラーです。
func (h *Handlers) Reveal(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	if err := h.svc.Reveal(c.Request.Context(), h.owner(c), jobID); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStateConflict:
		return http.StatusConflict
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRevealFailed, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// asciiFallback は filename= 用に ASCII 以外と引用符を置き換えます。
func asciiFallback(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
