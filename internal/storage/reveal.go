package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Revealer はファイルを OS のファイルマネージャーで表示します。
type Revealer interface {
	Reveal(ctx context.Context, path string) error
}

// NewRevealer は enabled が false のとき何もしない Revealer を返します。
func NewRevealer(enabled bool, logger *slog.Logger) Revealer {
	if !enabled {
		return NopRevealer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemRevealer{goos: runtime.GOOS, logger: logger}
}

// NopRevealer はファイルの存在だけを確認します。ヘッドレス環境やテスト用です。
type NopRevealer struct{}

func (NopRevealer) Reveal(_ context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("reveal target: %w", err)
	}
	return nil
}

// SystemRevealer は open -R / explorer /select, / xdg-open を起動します。
// 起動したプロセスの終了は待ちません。
type SystemRevealer struct {
	goos   string
	logger *slog.Logger
}

func (r *SystemRevealer) Reveal(_ context.Context, target string) error {
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve reveal target: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("reveal target: %w", err)
	}

	name, args := revealCommand(r.goos, abs)
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			r.logger.Debug("file manager exited", slog.String("command", name), slog.Any("error", err))
		}
	}()
	return nil
}

func revealCommand(goos, target string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{"-R", target}
	case "windows":
		return "explorer", []string{"/select,", target}
	default:
		return "xdg-open", []string{filepath.Dir(target)}
	}
}
