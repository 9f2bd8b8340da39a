package epub

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultMaxExtractBytes は展開後サイズの既定上限です。
const DefaultMaxExtractBytes int64 = 1 << 30

var errExtractLimit = errors.New("archive exceeds the extraction size limit")

// Extract は zip アーカイブを dest 以下にすべて展開します。
// dest の外を指すエントリや、展開後の合計が maxBytes を超えるアーカイブはエラーになります。
func Extract(archivePath, dest string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxExtractBytes
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}

	var total int64
	for _, f := range zr.File {
		target, err := entryPath(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}

		total += int64(f.UncompressedSize64)
		if total > maxBytes {
			return errExtractLimit
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", f.Name, err)
		}
		if err := extractFile(f, target, maxBytes); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, limit int64) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.Name, err)
	}

	// ヘッダーのサイズ申告を信用せず、実際の書き込み量でも上限を確認する
	n, copyErr := io.Copy(out, io.LimitReader(rc, limit+1))
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("write %s: %w", f.Name, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", f.Name, closeErr)
	}
	if n > limit {
		return errExtractLimit
	}
	return nil
}

func entryPath(dest, name string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if clean == "/" {
		return dest, nil
	}
	target := filepath.Join(dest, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes extraction dir: %s", name)
	}
	return target, nil
}
