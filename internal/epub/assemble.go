package epub

import (
	"bytes"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const printDefaults = `body { font-family: 'Noto Sans CJK SC', 'Noto Sans CJK JP', 'Helvetica Neue', Helvetica, Arial, sans-serif; line-height: 1.6; margin: 0; padding: 0; }
img, svg { max-width: 100%; height: auto; }
table { width: 100%; border-collapse: collapse; }
section.epub-document { break-before: page; }
section.epub-document:first-of-type { break-before: auto; }`

var cssURLPattern = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)

// Assemble は EPUB のスタイルと本文を 1 つの HTML ドキュメントにまとめます。
// 個々のドキュメントの読み込みや解析に失敗しても全体は中断せず、読めた範囲で続行します。
func Assemble(pkg *Package) string {
	var styles []string
	for _, item := range pkg.Stylesheets() {
		data, err := pkg.ReadItem(item)
		if err != nil {
			continue
		}
		styles = append(styles, rewriteCSSURLs(DecodeText(data), path.Dir(item.Href)))
	}

	var body strings.Builder
	for _, item := range pkg.Documents() {
		data, err := pkg.ReadItem(item)
		if err != nil {
			continue
		}
		body.WriteString(`<section class="epub-document">`)
		body.WriteString(documentBody(DecodeText(data), path.Dir(item.Href)))
		body.WriteString("</section>\n")
	}

	var out strings.Builder
	out.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	out.WriteString(`<base href="` + html.EscapeString(BaseURL(pkg.Dir)) + "\">\n")
	if pkg.Title != "" {
		out.WriteString("<title>" + html.EscapeString(pkg.Title) + "</title>\n")
	}
	out.WriteString("<style>\n")
	out.WriteString(printDefaults)
	out.WriteString("\n")
	out.WriteString(strings.Join(styles, "\n"))
	out.WriteString("\n</style>\n</head>\n<body>\n")
	out.WriteString(body.String())
	out.WriteString("</body>\n</html>\n")
	return out.String()
}

// BaseURL は展開ディレクトリを指す file:// URL を末尾スラッシュ付きで返します。
func BaseURL(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: strings.TrimRight(p, "/") + "/"}
	return u.String()
}

// documentBody は body の中身だけを取り出し、src/href をドキュメントのディレクトリ基準に書き換えます。
func documentBody(text, docDir string) string {
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return "<pre>" + html.EscapeString(text) + "</pre>"
	}

	rewriteLinks(doc, docDir)

	body := findBody(doc)
	if body == nil {
		body = doc
	}
	var buf bytes.Buffer
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "<pre>" + html.EscapeString(text) + "</pre>"
		}
	}
	return buf.String()
}

func rewriteLinks(n *html.Node, docDir string) {
	if n.Type == html.ElementNode {
		for i, attr := range n.Attr {
			if attr.Key == "src" || attr.Key == "href" {
				n.Attr[i].Val = ResolveResource(docDir, attr.Val)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		rewriteLinks(c, docDir)
	}
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findBody(c); found != nil {
			return found
		}
	}
	return nil
}

// ResolveResource はドキュメント内の相対リンクをアーカイブルート基準のパスに変換します。
// 絶対パス、アンカー、data: URI、スキーム付き URL はそのまま返します。
func ResolveResource(docDir, link string) string {
	trimmed := strings.TrimSpace(link)
	switch {
	case trimmed == "":
		return link
	case strings.HasPrefix(trimmed, "/"), strings.HasPrefix(trimmed, "#"):
		return link
	case strings.HasPrefix(strings.ToLower(trimmed), "data:"):
		return link
	case hasScheme(trimmed):
		return link
	}
	if docDir == "" || docDir == "." {
		return trimmed
	}

	target, fragment := trimmed, ""
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		target, fragment = trimmed[:idx], trimmed[idx:]
	}
	return path.Join(docDir, target) + fragment
}

func hasScheme(link string) bool {
	u, err := url.Parse(link)
	return err == nil && u.Scheme != "" && len(u.Scheme) > 1
}

func rewriteCSSURLs(css, cssDir string) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssURLPattern.FindStringSubmatch(match)
		if len(sub) != 4 {
			return match
		}
		return "url(" + sub[1] + ResolveResource(cssDir, sub[2]) + sub[3] + ")"
	})
}
