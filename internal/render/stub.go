package render

import (
	"context"
	"fmt"
	"math"
)

// StubRenderer は外部エンジンを使わずに最小限の PDF を返します。テストやヘッドレス環境用です。
type StubRenderer struct {
	// Err が設定されていれば Render は常にそのエラーを返します。
	Err error
	// Hook はレンダリング中に呼ばれます。並行操作を差し込むテストで使います。
	Hook func(ctx context.Context)
}

// Render は 1 ページの PDF を返します。
func (s *StubRenderer) Render(ctx context.Context, html string, opts Options) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Hook != nil {
		s.Hook(ctx)
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return stubPDF(opts), nil
}

// stubPDF は pdfcpu でも読める 1 ページだけの PDF を組み立てます。
func stubPDF(opts Options) []byte {
	width, height := pageDimensions(opts.PageSize)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << >> >>", width, height),
	}

	out := []byte("%PDF-1.4\n% Stub PDF generated for tests\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = len(out)
		out = append(out, fmt.Sprintf("%d 0 obj\n%s\nendobj\n", i+1, obj)...)
	}
	xref := len(out)
	out = append(out, fmt.Sprintf("xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)...)
	for _, off := range offsets {
		out = append(out, fmt.Sprintf("%010d 00000 n \n", off)...)
	}
	out = append(out, fmt.Sprintf("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)...)
	return out
}

// pageDimensions は用紙サイズをポイント単位で返します。
func pageDimensions(size string) (int, int) {
	width, height := PaperMM(size)
	return int(math.Round(width * 72 / mmPerInch)), int(math.Round(height * 72 / mmPerInch))
}
