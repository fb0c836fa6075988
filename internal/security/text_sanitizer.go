// Package security はユーザー入力の無害化を提供する。
//
// 設定フォームの自由入力（名前、既定の場所、選択リストの値）は
// 保存前にHTMLを取り除いたプレーンテキストに変換する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力の文字列をプレーンテキストに変換するインターフェース。
type TextSanitizer interface {
	// Sanitize はHTMLタグを除去し、前後の空白を取り除いた文字列を返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(s string) string

	// SanitizeList はリストの各要素をSanitizeし、空になった要素を除く。
	SanitizeList(values []string) []string
}

// textSanitizer はTextSanitizerの実装。bluemondayのポリシーはスレッドセーフ。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
// すべてのタグを除去するStrictPolicyを使う。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyがエスケープした文字実体参照は元の文字に戻す。
func (s *textSanitizer) Sanitize(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}

// SanitizeList はリストの各要素をSanitizeする。入力がnilの場合はnilを返す。
func (s *textSanitizer) SanitizeList(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if clean := s.Sanitize(v); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}
