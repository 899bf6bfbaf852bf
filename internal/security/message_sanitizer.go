package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxMessageLength は画面に表示するバックエンドメッセージの最大文字数。
const maxMessageLength = 300

// MessageSanitizer は認証バックエンドが返したメッセージを画面表示用のプレーンテキストに整える。
// バックエンドのメッセージはそのまま表示する方針のため、HTMLやマークアップが
// 混入していても表示を崩さないよう、全てのタグを除去する。
type MessageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerを生成する。
func NewMessageSanitizer() *MessageSanitizer {
	return &MessageSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は全てのHTMLタグを除去し、空白を正規化したテキストを返す。
// 出力はテンプレート側で改めてエスケープされるため、エンティティは元の文字に戻す。
// maxMessageLength文字を超える場合は切り詰めて末尾に「…」を付ける。
func (s *MessageSanitizer) Sanitize(msg string) string {
	text := html.UnescapeString(s.policy.Sanitize(msg))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > maxMessageLength {
		runes := []rune(text)
		text = string(runes[:maxMessageLength]) + "…"
	}
	return text
}
