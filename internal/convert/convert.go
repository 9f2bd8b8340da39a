// Package convert は EPUB コンテナを PDF に変換するパイプラインです。
// 展開、HTML の組み立て、レンダリング、出力の書き込みを順に行います。
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/yourusername/epub-forge/internal/epub"
	"github.com/yourusername/epub-forge/internal/render"
)

// 進捗ステージ
const (
	StageExtract  = "extract"
	StageAssemble = "assemble"
	StageRender   = "render"
	StageWrite    = "write"
)

// ProgressFunc は変換の進捗を受け取ります。
type ProgressFunc func(stage string, percent int)

// Request は 1 回の変換の入力です。
type Request struct {
	SourcePath string
	OutputPath string
	Options    render.Options
}

// Result は変換結果です。Pages は読み取れなかった場合 0 です。
type Result struct {
	OutputPath string
	Size       int64
	Pages      int
}

// Converter は変換パイプラインを実行します。
type Converter struct {
	renderer        render.Renderer
	workDir         string
	maxExtractBytes int64
	logger          *slog.Logger
}

// New は Converter を作成します。
func New(renderer render.Renderer, workDir string, maxExtractBytes int64, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		renderer:        renderer,
		workDir:         workDir,
		maxExtractBytes: maxExtractBytes,
		logger:          logger,
	}
}

// Convert は SourcePath の EPUB を PDF に変換し、OutputPath に原子的に書き込みます。
// 失敗した場合、OutputPath には何も残しません。
func (c *Converter) Convert(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	if req.SourcePath == "" || req.OutputPath == "" {
		return nil, errors.New("source and output paths are required")
	}
	info, err := os.Stat(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("EPUB source is missing: %w", err)
	}

	scratch, err := os.MkdirTemp(c.workDir, "convert-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	report(progress, StageExtract, 10)

	archivePath := req.SourcePath
	if info.IsDir() {
		archivePath = filepath.Join(scratch, "source.epub")
		if err := epub.Repack(req.SourcePath, archivePath); err != nil {
			return nil, fmt.Errorf("repack directory source: %w", err)
		}
	}

	extractDir := filepath.Join(scratch, "extracted")
	if err := epub.Extract(archivePath, extractDir, c.maxExtractBytes); err != nil {
		return nil, fmt.Errorf("extract EPUB: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(progress, StageAssemble, 30)

	pkg, err := epub.OpenPackage(archivePath, extractDir)
	if err != nil {
		return nil, fmt.Errorf("read EPUB package: %w", err)
	}
	html := epub.Assemble(pkg)

	report(progress, StageRender, 50)

	pdfBytes, err := c.renderer.Render(ctx, html, req.Options)
	if err != nil {
		return nil, fmt.Errorf("render PDF: %w", err)
	}

	report(progress, StageWrite, 90)

	if err := writeFileAtomic(req.OutputPath, pdfBytes); err != nil {
		return nil, fmt.Errorf("write PDF: %w", err)
	}

	result := &Result{OutputPath: req.OutputPath, Size: int64(len(pdfBytes))}
	if pages, err := render.PageCount(req.OutputPath); err == nil {
		result.Pages = pages
	} else {
		c.logger.Debug("page count unavailable", slog.String("path", req.OutputPath), slog.Any("error", err))
	}
	return result, nil
}

func report(progress ProgressFunc, stage string, percent int) {
	if progress != nil {
		progress(stage, percent)
	}
}

// writeFileAtomic は出力先ディレクトリが既に存在することを前提とします。
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pdf-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
