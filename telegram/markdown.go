package telegram

import "strings"

// markdownEscaper escapes the characters reserved by Telegram MarkdownV2.
var markdownEscaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
)

// Escape escapes raw text for inclusion in a MarkdownV2 message.
func Escape(s string) string {
	return markdownEscaper.Replace(s)
}

// Bold wraps already-escaped text in bold markers.
func Bold(s string) string {
	return "*" + s + "*"
}

// Link renders an inline link. The label must already be escaped.
func Link(url, label string) string {
	return "[" + label + "](" + escapeLinkURL(url) + ")"
}

// escapeLinkURL escapes only the characters that break the URL part of an
// inline link.
func escapeLinkURL(u string) string {
	u = strings.ReplaceAll(u, "\\", "\\\\")
	return strings.ReplaceAll(u, ")", "\\)")
}

// CodeBlockWithLang renders a fenced code block tagged with a language.
func CodeBlockWithLang(code, lang string) string {
	code = strings.ReplaceAll(code, "\\", "\\\\")
	code = strings.ReplaceAll(code, "`", "\\`")
	return "```" + lang + "\n" + code + "\n```"
}
