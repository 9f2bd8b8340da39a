package jobs

import (
	"math"
	"strconv"
	"strings"

	"github.com/yourusername/epub-forge/internal/render"
)

// DefaultMarginMM は余白が未指定・不正な場合の既定値です。
const DefaultMarginMM = 15.0

const maxMarginMM = 50.0

// ParseSettings はフォーム値からページ設定を作ります。失敗することはなく、
// 用紙サイズが不正なら A4、余白が数値でないか [0, 50] の範囲外なら 15mm にします。
func ParseSettings(pageSize, margin string) Settings {
	settings := Settings{PageSize: render.PageSizeA4, MarginMM: DefaultMarginMM}

	if render.ValidPageSize(pageSize) {
		settings.PageSize = pageSize
	}

	if value, err := strconv.ParseFloat(strings.TrimSpace(margin), 64); err == nil &&
		!math.IsNaN(value) && value >= 0 && value <= maxMarginMM {
		settings.MarginMM = value
	}
	return settings
}

// RenderOptions はレンダラーに渡す設定に変換します。
func (s Settings) RenderOptions() render.Options {
	return render.Options{PageSize: s.PageSize, MarginMM: s.MarginMM}
}
