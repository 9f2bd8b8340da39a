package epub

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// MediaType は EPUB の mimetype エントリに書かれるメディアタイプです。
	MediaType = "application/epub+zip"

	mimetypeEntry  = "mimetype"
	containerEntry = "META-INF/container.xml"
	macOSXArtifact = "__MACOSX"
)

// Repack はディレクトリを EPUB コンテナとして zip 化し、outputPath を原子的に置き換えます。
// 最上位に単一のサブディレクトリしかない場合は、そのサブディレクトリをルートとして扱います。
// mimetype は無圧縮で先頭に書き込み、残りのファイルはパス順に並べます。
func Repack(srcDir, outputPath string) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat repack source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repack source is not a directory: %s", srcDir)
	}

	root, err := repackRoot(srcDir)
	if err != nil {
		return err
	}

	files, err := collectFiles(root)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".repack-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := writeContainer(tmp, root, files); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}

	return replacePath(tmpPath, outputPath)
}

func repackRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read repack source: %w", err)
	}
	var children []fs.DirEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), macOSXArtifact) {
			continue
		}
		children = append(children, e)
	}
	if len(children) == 1 && children[0].IsDir() {
		return filepath.Join(dir, children[0].Name()), nil
	}
	return dir, nil
}

// collectFiles は root 以下の通常ファイルをスラッシュ区切りの相対パスでソートして返します。
func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && d.Name() == macOSXArtifact {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == mimetypeEntry {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk repack source: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func writeContainer(w io.Writer, root string, files []string) error {
	zw := zip.NewWriter(w)

	header := &zip.FileHeader{
		Name:     mimetypeEntry,
		Method:   zip.Store,
		Modified: time.Now(),
	}
	mw, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("write mimetype header: %w", err)
	}
	if _, err := io.WriteString(mw, MediaType); err != nil {
		return fmt.Errorf("write mimetype: %w", err)
	}

	for _, rel := range files {
		if err := addFile(zw, root, rel); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, root, rel string) error {
	file, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header for %s: %w", rel, err)
	}
	header.Name = rel
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("write header for %s: %w", rel, err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// replacePath は tmpPath を target に移動します。target がディレクトリの場合は先に削除します。
func replacePath(tmpPath, target string) error {
	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("remove directory source: %w", err)
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(target), err)
	}
	return nil
}

// copyFileAtomic は src の内容で dst を原子的に置き換えます。
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".promote-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return replacePath(tmpPath, dst)
}
