package channels

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])[*_]([^*_\n]+)[*_]($|[^\w*])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	quoteRe      = regexp.MustCompile(`(?m)^>\s?`)
	bulletRe     = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)
)

// placeholders shelters code spans from the other rewrites.
type placeholders struct {
	values []string
}

func (p *placeholders) add(v string) string {
	p.values = append(p.values, v)
	return fmt.Sprintf("\x00%d\x00", len(p.values)-1)
}

func (p *placeholders) restore(text string) string {
	// Later values may embed earlier placeholders.
	for i := len(p.values) - 1; i >= 0; i-- {
		text = strings.Replace(text, fmt.Sprintf("\x00%d\x00", i), p.values[i], 1)
	}
	return text
}

// FormatForTelegram converts model Markdown to Telegram HTML
// (<b>, <i>, <s>, <code>, <pre>, <a>).
func FormatForTelegram(text string) string {
	var ph placeholders
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := codeBlockRe.FindStringSubmatch(m)[1]
		return ph.add("<pre><code>" + html.EscapeString(strings.TrimRight(inner, "\n")) + "</code></pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := inlineCodeRe.FindStringSubmatch(m)[1]
		return ph.add("<code>" + html.EscapeString(inner) + "</code>")
	})

	text = headerRe.ReplaceAllString(text, "**$1**")
	text = quoteRe.ReplaceAllString(text, "")
	text = html.EscapeString(text)
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = boldRe.ReplaceAllString(text, "<b>$1$2</b>")
	text = italicRe.ReplaceAllString(text, "$1<i>$2</i>$3")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = bulletRe.ReplaceAllString(text, "$1• ")

	return ph.restore(text)
}

// FormatForWhatsApp converts model Markdown to WhatsApp's markup
// (*bold*, _italic_, ~strike~, ```code```).
func FormatForWhatsApp(text string) string {
	var ph placeholders
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := codeBlockRe.FindStringSubmatch(m)[1]
		return ph.add("```" + strings.TrimRight(inner, "\n") + "```")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		return ph.add(m)
	})

	text = headerRe.ReplaceAllStringFunc(text, func(m string) string {
		return ph.add("*" + headerRe.FindStringSubmatch(m)[1] + "*")
	})
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = italicRe.ReplaceAllString(text, "${1}_${2}_$3")
	text = boldRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := boldRe.FindStringSubmatch(m)
		return ph.add("*" + sub[1] + sub[2] + "*")
	})
	text = strikeRe.ReplaceAllString(text, "~$1~")
	text = bulletRe.ReplaceAllString(text, "$1• ")

	return strings.TrimSpace(ph.restore(text))
}
