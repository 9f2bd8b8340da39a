package render

import (
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCount は PDF ファイルのページ数を返します。
func PageCount(path string) (int, error) {
	return pdfapi.PageCountFile(path)
}
