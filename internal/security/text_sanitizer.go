// Package security は利用者入力の無害化とSSRF防止を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はレビュー本文や会場説明などの自由記述を無害化する。
type TextSanitizer interface {
	// Sanitize はHTMLタグをすべて取り除いたプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(s string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyでTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、& や引用符のエスケープは元に戻す。
// 戻した結果に山括弧が現れる場合はエスケープ済みのまま返す。
func (s *textSanitizer) Sanitize(in string) string {
	if in == "" {
		return ""
	}
	stripped := s.policy.Sanitize(in)
	plain := html.UnescapeString(stripped)
	if strings.ContainsAny(plain, "<>") {
		return strings.TrimSpace(stripped)
	}
	return strings.TrimSpace(plain)
}
