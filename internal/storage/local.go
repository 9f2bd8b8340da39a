// Package storage はジョブごとのディレクトリ管理と成果物の保存先を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// SourceFilename はジョブディレクトリ内のアップロードのファイル名です。
const SourceFilename = "source.epub"

// OutputName は実行番号ごとの PDF のファイル名を返します。
// 実行ごとに名前が異なるため、古い実行が新しい実行の PDF を上書き・削除することはありません。
func OutputName(attempt int) string {
	return fmt.Sprintf("output-%d.pdf", attempt)
}

// ErrTooLarge はアップロードがサイズ上限を超えたことを表します。
var ErrTooLarge = errors.New("upload exceeds the size limit")

// Local はローカルディスク上でジョブごとに 1 つのディレクトリを管理します。
// 配置: <baseDir>/<jobID>/source.epub, <baseDir>/<jobID>/output-<attempt>.pdf
type Local struct {
	baseDir string
}

// NewLocal は baseDir を作成して Local を返します。
func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("storage dir is empty")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{baseDir: abs}, nil
}

// BaseDir はルートディレクトリを返します。
func (s *Local) BaseDir() string {
	return s.baseDir
}

// JobDir はジョブのディレクトリパスを返します。jobID は UUID でなければなりません。
func (s *Local) JobDir(jobID string) (string, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return "", fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	return filepath.Join(s.baseDir, jobID), nil
}

// Path はジョブディレクトリ内のファイルパスを返します。
func (s *Local) Path(jobID, name string) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(dir, name), nil
}

// SaveUpload は r の内容をジョブディレクトリに書き込みます。
// 一時ファイルに書いてから名前を変えるため、途中の状態が見えることはありません。
// limit が正の値で、それを超えた場合は ErrTooLarge を返します。
func (s *Local) SaveUpload(ctx context.Context, jobID, name string, r io.Reader, limit int64) (string, int64, error) {
	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	default:
	}

	target, err := s.Path(jobID, name)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, fmt.Errorf("create job dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	written, err := io.Copy(tmp, src)
	if err != nil {
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	if limit > 0 && written > limit {
		return "", 0, ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", 0, fmt.Errorf("rename upload: %w", err)
	}
	return target, written, nil
}

// Exists は path が通常ファイルとして存在するかを返します。
func (s *Local) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// RemoveFile はファイルを削除します。存在しない場合は何もしません。
func (s *Local) RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveJob はジョブディレクトリを丸ごと削除します。
func (s *Local) RemoveJob(jobID string) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
