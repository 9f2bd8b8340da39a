package epub

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxRepairDepth は 1 回の正規化で適用する修復の既定上限です。
const DefaultMaxRepairDepth = 8

const notEPUBReason = "Uploaded file is not a valid EPUB archive. Please choose an .epub file."

// Strategy は適用された修復手順の種別です。
type Strategy int

const (
	// StrategyDirectory は入力ディレクトリそのものを zip 化します。
	StrategyDirectory Strategy = iota
	// StrategyNestedEPUBDir は展開結果の中の *.epub ディレクトリを zip 化します。
	StrategyNestedEPUBDir
	// StrategyNestedEPUBFile は展開結果の中の *.epub ファイルで入力を置き換えます。
	StrategyNestedEPUBFile
	// StrategyLooseDirectory は展開結果全体を EPUB ディレクトリとして zip 化します。
	StrategyLooseDirectory
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirectory:
		return "directory"
	case StrategyNestedEPUBDir:
		return "nested-epub-dir"
	case StrategyNestedEPUBFile:
		return "nested-epub-file"
	case StrategyLooseDirectory:
		return "loose-directory"
	default:
		return "unknown"
	}
}

// Report は正規化の結果です。Repairs が空なら入力はそのまま有効でした。
type Report struct {
	Repairs []Strategy
}

// Repaired は何らかの修復が行われたかを返します。
func (r *Report) Repaired() bool {
	return r != nil && len(r.Repairs) > 0
}

// Normalizer はアップロードされたファイルを有効な EPUB コンテナに整えます。
type Normalizer struct {
	// WorkDir は展開用の一時ディレクトリを作る場所です。空なら os.TempDir を使います。
	WorkDir         string
	// MaxDepth は適用できる修復の回数です。0 以下なら DefaultMaxRepairDepth を使います。
	MaxDepth        int
	MaxExtractBytes int64
	Logger          *slog.Logger
}

// Normalize は path を検証し、必要なら修復して有効な EPUB コンテナで置き換えます。
// 修復できない場合は ErrInvalidArchive を満たすエラーを返します。
func (n *Normalizer) Normalize(ctx context.Context, path string) (*Report, error) {
	maxDepth := n.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxRepairDepth
	}

	report := &Report{}
	tooDeep := func() error {
		return invalidArchive(fmt.Sprintf("archive nesting is deeper than %d levels", maxDepth), nil)
	}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return report, invalidArchive("uploaded file could not be read", err)
		}

		if info.IsDir() {
			if len(report.Repairs) >= maxDepth {
				return report, tooDeep()
			}
			if err := Repack(path, path); err != nil {
				return report, invalidArchive("failed to repack the uploaded directory", err)
			}
			report.Repairs = append(report.Repairs, StrategyDirectory)
			continue
		}

		if IsContainer(path) {
			if report.Repaired() {
				n.logger().Info("normalized EPUB archive",
					slog.String("path", path),
					slog.Any("repairs", report.Repairs),
				)
			}
			return report, nil
		}

		if !isZip(path) {
			return report, invalidArchive(notEPUBReason, fmt.Errorf("detected %s", detectType(path)))
		}

		if len(report.Repairs) >= maxDepth {
			return report, tooDeep()
		}
		before, err := fileDigest(path)
		if err != nil {
			return report, invalidArchive("uploaded file could not be read", err)
		}

		strategy, err := n.repairOnce(path)
		if err != nil {
			return report, err
		}
		report.Repairs = append(report.Repairs, strategy)

		after, err := fileDigest(path)
		if err != nil {
			return report, invalidArchive("uploaded file could not be read", err)
		}
		if before == after {
			return report, invalidArchive(notEPUBReason, fmt.Errorf("%s repair made no progress", strategy))
		}
	}
}

// repairOnce は zip を展開し、優先順位に従って最初に当てはまる修復を 1 つ適用します。
func (n *Normalizer) repairOnce(path string) (Strategy, error) {
	scratch, err := os.MkdirTemp(n.WorkDir, "normalize-*")
	if err != nil {
		return 0, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	if err := Extract(path, scratch, n.MaxExtractBytes); err != nil {
		return 0, invalidArchive("Failed to unpack the uploaded archive.", err)
	}

	epubDirs, epubFiles, err := findNestedEPUBs(scratch)
	if err != nil {
		return 0, invalidArchive("Failed to unpack the uploaded archive.", err)
	}

	switch {
	case len(epubDirs) > 0:
		if err := Repack(epubDirs[0], path); err != nil {
			return 0, invalidArchive("failed to repack the nested EPUB directory", err)
		}
		return StrategyNestedEPUBDir, nil
	case len(epubFiles) > 0:
		if err := copyFileAtomic(epubFiles[0], path); err != nil {
			return 0, invalidArchive("failed to extract the nested EPUB file", err)
		}
		return StrategyNestedEPUBFile, nil
	case IsDirectoryEPUB(scratch):
		if err := Repack(scratch, path); err != nil {
			return 0, invalidArchive("failed to repack the EPUB directory", err)
		}
		return StrategyLooseDirectory, nil
	default:
		return 0, invalidArchive(notEPUBReason, fmt.Errorf("no %s found", containerEntry))
	}
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// IsContainer は path が有効な EPUB コンテナかどうかを返します。
// zip として読めること、META-INF/container.xml を含むこと、
// mimetype エントリがあればその内容が空か application/epub+zip であることが条件です。
func IsContainer(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() < 4 {
		return false
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer zr.Close()

	var (
		hasContainer bool
		mimeFile     *zip.File
	)
	for _, f := range zr.File {
		switch strings.ToLower(f.Name) {
		case strings.ToLower(containerEntry):
			hasContainer = true
		case mimetypeEntry:
			if mimeFile == nil {
				mimeFile = f
			}
		}
	}
	if !hasContainer {
		return false
	}
	if mimeFile == nil {
		return true
	}

	rc, err := mimeFile.Open()
	if err != nil {
		return false
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 1024))
	if err != nil {
		return false
	}
	return acceptableMimetype(data)
}

// IsDirectoryEPUB は展開済みディレクトリが EPUB の構造を持つかどうかを返します。
// META-INF/container.xml が必須で、mimetype ファイルは無くても構いませんが、
// ある場合は内容が空か application/epub+zip でなければなりません。
func IsDirectoryEPUB(dir string) bool {
	var (
		hasContainer bool
		mimePath     string
	)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == macOSXArtifact {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == containerEntry || strings.HasSuffix(rel, "/"+containerEntry) {
			hasContainer = true
		}
		if d.Name() == mimetypeEntry && mimePath == "" {
			mimePath = p
		}
		return nil
	})
	if err != nil || !hasContainer {
		return false
	}
	if mimePath == "" {
		return true
	}
	data, err := os.ReadFile(mimePath)
	if err != nil {
		return false
	}
	return acceptableMimetype(data)
}

func acceptableMimetype(data []byte) bool {
	content := strings.ToLower(strings.TrimSpace(strings.ToValidUTF8(string(data), "")))
	return content == "" || content == MediaType
}

func isZip(path string) bool {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	_ = zr.Close()
	return true
}

func detectType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "unreadable content"
	}
	return mtype.String()
}

// findNestedEPUBs は展開結果から *.epub のディレクトリとファイルをパス順に探します。
func findNestedEPUBs(root string) (dirs, files []string, err error) {
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		if d.IsDir() && d.Name() == macOSXArtifact {
			return filepath.SkipDir
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".epub") {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		} else if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files, err
}

func fileDigest(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
