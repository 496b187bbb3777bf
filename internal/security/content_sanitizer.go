// Package security はアプリケーションのセキュリティ機能を提供する。
//
// HTMLSanitizer はCanvasから取得したコース説明・課題説明・提出本文のHTMLを
// ミラーに保存する前に無害化する。
package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// HTMLSanitizer はHTMLの無害化機能のインターフェース。
type HTMLSanitizer interface {
	// Sanitize は許可リストにないタグと属性を除去したHTMLを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string
}

// canvasSanitizer はCanvasのリッチコンテンツエディタが出力するHTML向けのポリシーを持つ。
type canvasSanitizer struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitizer は HTMLSanitizer を生成する。
// ポリシーの内容:
//   - 見出し、段落、リスト、表、引用、コードなどの文書構造タグを許可
//   - script, iframe, style, form および on* イベント属性は除去
//   - a と img はCanvas内のファイル参照のため相対URLを許可し、絶対URLは https のみ
//   - 外部リンクには target="_blank" と rel="noopener noreferrer" を付与
func NewHTMLSanitizer() *canvasSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "hr", "div", "span",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "dl", "dt", "dd",
		"blockquote", "pre", "code",
		"strong", "b", "em", "i", "u", "s", "sub", "sup",
	)
	p.AllowTables()
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")

	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("src", "alt", "width", "height").OnElements("img")
	p.AllowRelativeURLs(true)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &canvasSanitizer{policy: p}
}

// Sanitize はHTMLを無害化する。
func (s *canvasSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
