package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// DefaultTimeout は 1 回のレンダリングに許す既定の時間です。
const DefaultTimeout = 2 * time.Minute

const mmPerInch = 25.4

// ChromeRenderer は go-rod でヘッドレス Chrome を操作して PDF を生成します。
// 用紙サイズと余白は印刷オプションとして渡します。
type ChromeRenderer struct {
	// Path は Chrome / Chromium の実行ファイルです。空なら go-rod の管理するブラウザを使います。
	Path    string
	Timeout time.Duration
	// TempDir は HTML とプロファイルを書き出す場所です。空なら os.TempDir を使います。
	TempDir string
}

// NewChromeRenderer は Chrome 実行ファイルのパスとタイムアウトを指定してレンダラーを作ります。
func NewChromeRenderer(path string, timeout time.Duration, tempDir string) *ChromeRenderer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ChromeRenderer{Path: path, Timeout: timeout, TempDir: tempDir}
}

// Render は HTML を一時ファイルに書き出し、ネットワークが落ち着くのを待ってから印刷します。
func (r *ChromeRenderer) Render(ctx context.Context, html string, opts Options) ([]byte, error) {
	dir, err := os.MkdirTemp(r.TempDir, "render-*")
	if err != nil {
		return nil, fmt.Errorf("create render dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	htmlPath := filepath.Join(dir, "book.html")
	if err := os.WriteFile(htmlPath, []byte(withMarginRule(html, opts)), 0o644); err != nil {
		return nil, fmt.Errorf("write render input: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := r.print(runCtx, dir, htmlPath, opts)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("chrome timed out after %s: %w", timeout, runCtx.Err())
		}
		return nil, err
	}
	if err := checkPDF(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (r *ChromeRenderer) print(ctx context.Context, dir, htmlPath string, opts Options) ([]byte, error) {
	l := launcher.New().
		Context(ctx).
		Headless(true).
		NoSandbox(true).
		Leakless(false).
		UserDataDir(filepath.Join(dir, "profile")).
		Set("disable-gpu").
		Set("allow-file-access-from-files")
	if r.Path != "" {
		l = l.Bin(r.Path)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	defer func() {
		l.Kill()
		l.Cleanup()
	}()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	defer func() {
		_ = browser.Close()
	}()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}

	idle := page.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := page.Navigate("file://" + filepath.ToSlash(htmlPath)); err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	idle()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := page.PDF(printRequest(opts))
	if err != nil {
		return nil, fmt.Errorf("print PDF: %w", err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("read PDF stream: %w", err)
	}
	return data, nil
}

// printRequest は用紙サイズと四辺の余白をインチ単位の印刷オプションにします。
func printRequest(opts Options) *proto.PagePrintToPDF {
	width, height := PaperMM(opts.PageSize)
	margin := opts.MarginMM / mmPerInch
	return &proto.PagePrintToPDF{
		PrintBackground:   true,
		PreferCSSPageSize: false,
		PaperWidth:        inches(width),
		PaperHeight:       inches(height),
		MarginTop:         &margin,
		MarginBottom:      &margin,
		MarginLeft:        &margin,
		MarginRight:       &margin,
	}
}

func inches(mm float64) *float64 {
	v := mm / mmPerInch
	return &v
}
