package epub

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	sepub "github.com/simp-lee/epub"
)

// Item は OPF マニフェストの 1 項目です。Href はアーカイブルートからのスラッシュ区切りパスです。
type Item struct {
	ID        string
	Href      string
	MediaType string
}

// IsStylesheet はスタイルシート項目かどうかを返します。
func (i Item) IsStylesheet() bool {
	return strings.EqualFold(i.MediaType, "text/css")
}

// IsDocument は本文ドキュメント項目かどうかを返します。
func (i Item) IsDocument() bool {
	switch strings.ToLower(i.MediaType) {
	case "application/xhtml+xml", "text/html", "application/x-dtbook+xml":
		return true
	}
	return false
}

// Package は展開済み EPUB の OPF 情報です。
type Package struct {
	// Dir は展開先ディレクトリです。
	Dir      string
	OPFPath  string
	Title    string
	Manifest []Item
	Spine    []Item

	// chapters は EPUB リーダーが spine 順に読んだ本文を Href ごとに保持します。
	chapters map[string][]byte
}

// Stylesheets はマニフェスト順のスタイルシート項目を返します。
func (p *Package) Stylesheets() []Item {
	var items []Item
	for _, it := range p.Manifest {
		if it.IsStylesheet() {
			items = append(items, it)
		}
	}
	return items
}

// Documents は読み順のドキュメント項目を返します。
// spine が空の場合はマニフェスト順のドキュメントで代用します。
func (p *Package) Documents() []Item {
	var items []Item
	for _, it := range p.Spine {
		if it.IsDocument() {
			items = append(items, it)
		}
	}
	if len(items) > 0 {
		return items
	}
	for _, it := range p.Manifest {
		if it.IsDocument() {
			items = append(items, it)
		}
	}
	return items
}

// ReadItem は項目の生バイト列を読みます。リーダーで読めた本文はそれを返します。
func (p *Package) ReadItem(item Item) ([]byte, error) {
	if data, ok := p.chapters[item.Href]; ok {
		return data, nil
	}
	return os.ReadFile(filepath.Join(p.Dir, filepath.FromSlash(item.Href)))
}

// readChapters は archivePath を EPUB リーダーで開き、spine 順の本文をドキュメント項目に対応付けます。
// DRM で保護された書籍は ErrInvalidArchive として拒否します。
// リーダーが開けない場合や章の数が合わない場合は展開済みファイルから読みます。
func (p *Package) readChapters(archivePath string) error {
	book, err := sepub.Open(archivePath)
	if err != nil {
		if errors.Is(err, sepub.ErrDRMProtected) {
			return invalidArchive("EPUB is DRM protected and cannot be converted", err)
		}
		return nil
	}
	defer book.Close()

	docs := p.Documents()
	chapters := book.Chapters()
	if len(chapters) != len(docs) {
		return nil
	}
	p.chapters = make(map[string][]byte, len(docs))
	for i, ch := range chapters {
		raw, err := ch.RawContent()
		if err != nil {
			continue
		}
		p.chapters[docs[i].Href] = raw
	}
	return nil
}

type containerXML struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfXML struct {
	Titles   []string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef  string `xml:"idref,attr"`
		Linear string `xml:"linear,attr"`
	} `xml:"spine>itemref"`
}

// OpenPackage は archivePath の EPUB を開き、本文を spine 順に読みます。
// スタイルシートと各章のパスは展開済みディレクトリ dir の container.xml と OPF から求めます。
func OpenPackage(archivePath, dir string) (*Package, error) {
	containerPath, err := findCaseInsensitive(dir, containerEntry)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", containerEntry, err)
	}
	data, err := os.ReadFile(containerPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", containerEntry, err)
	}
	var container containerXML
	if err := xml.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("parse %s: %w", containerEntry, err)
	}

	opfPath := ""
	for _, rf := range container.Rootfiles {
		if rf.FullPath == "" {
			continue
		}
		if strings.EqualFold(rf.MediaType, "application/oebps-package+xml") {
			opfPath = rf.FullPath
			break
		}
		if opfPath == "" {
			opfPath = rf.FullPath
		}
	}
	if opfPath == "" {
		return nil, fmt.Errorf("%s declares no rootfile", containerEntry)
	}
	opfPath = strings.TrimPrefix(path.Clean("/"+opfPath), "/")

	opfFile, err := findCaseInsensitive(dir, opfPath)
	if err != nil {
		return nil, fmt.Errorf("locate package document %s: %w", opfPath, err)
	}
	opfData, err := os.ReadFile(opfFile)
	if err != nil {
		return nil, fmt.Errorf("read package document: %w", err)
	}
	var opf opfXML
	if err := xml.Unmarshal(opfData, &opf); err != nil {
		return nil, fmt.Errorf("parse package document: %w", err)
	}

	pkg := &Package{Dir: dir, OPFPath: opfPath}
	if len(opf.Titles) > 0 {
		pkg.Title = strings.TrimSpace(opf.Titles[0])
	}

	opfDir := path.Dir(opfPath)
	byID := make(map[string]Item, len(opf.Manifest))
	for _, m := range opf.Manifest {
		if m.Href == "" {
			continue
		}
		href := m.Href
		if unescaped, err := url.PathUnescape(href); err == nil {
			href = unescaped
		}
		item := Item{
			ID:        m.ID,
			Href:      strings.TrimPrefix(path.Join(opfDir, href), "/"),
			MediaType: m.MediaType,
		}
		pkg.Manifest = append(pkg.Manifest, item)
		byID[m.ID] = item
	}
	for _, ref := range opf.Spine {
		if item, ok := byID[ref.IDRef]; ok {
			pkg.Spine = append(pkg.Spine, item)
		}
	}

	if archivePath != "" {
		if err := pkg.readChapters(archivePath); err != nil {
			return nil, err
		}
	}
	return pkg, nil
}

// findCaseInsensitive は rel を dir 以下で大文字小文字を区別せずに探します。
func findCaseInsensitive(dir, rel string) (string, error) {
	exact := filepath.Join(dir, filepath.FromSlash(rel))
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}

	current := dir
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." {
			continue
		}
		entries, err := os.ReadDir(current)
		if err != nil {
			return "", err
		}
		found := ""
		for _, e := range entries {
			if strings.EqualFold(e.Name(), part) {
				found = e.Name()
				break
			}
		}
		if found == "" {
			return "", os.ErrNotExist
		}
		current = filepath.Join(current, found)
	}
	return current, nil
}
