// Package render は組み立て済み HTML を外部エンジンで PDF に変換する境界です。
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// 用紙サイズ
const (
	PageSizeA4     = "A4"
	PageSizeLetter = "Letter"
	PageSizeLegal  = "Legal"
)

// ErrInvalidOutput はレンダラーが PDF として扱えない出力を返したことを表します。
var ErrInvalidOutput = errors.New("renderer returned no PDF output")

var pdfMagic = []byte("%PDF-")

// Options はページ体裁の設定です。余白は四辺共通でミリメートル単位です。
type Options struct {
	PageSize string
	MarginMM float64
}

// Renderer は HTML を PDF バイト列に変換します。
// 失敗した場合は部分的な出力を返してはいけません。
type Renderer interface {
	Render(ctx context.Context, html string, opts Options) ([]byte, error)
}

// ValidPageSize は対応している用紙サイズかどうかを返します。
func ValidPageSize(size string) bool {
	switch size {
	case PageSizeA4, PageSizeLetter, PageSizeLegal:
		return true
	}
	return false
}

// PaperMM は用紙の幅と高さをミリメートルで返します。未対応のサイズは A4 として扱います。
func PaperMM(size string) (width, height float64) {
	switch size {
	case PageSizeLetter:
		return 215.9, 279.4
	case PageSizeLegal:
		return 215.9, 355.6
	default:
		return 210, 297
	}
}

// MarginRule は書籍側の @page 指定より優先される余白ルールを返します。
func (o Options) MarginRule() string {
	return fmt.Sprintf("@page { margin: %smm !important; }", strconv.FormatFloat(o.MarginMM, 'f', -1, 64))
}

// withMarginRule は </head> の直前に余白のスタイルを差し込みます。
// 書籍のスタイルシートより後ろに置くことで同じ重要度の指定に勝ちます。
func withMarginRule(html string, opts Options) string {
	style := "<style>" + opts.MarginRule() + "</style>\n"
	idx := strings.LastIndex(strings.ToLower(html), "</head>")
	if idx < 0 {
		return style + html
	}
	return html[:idx] + style + html[idx:]
}

func checkPDF(data []byte) error {
	if !bytes.HasPrefix(data, pdfMagic) {
		return ErrInvalidOutput
	}
	return nil
}
