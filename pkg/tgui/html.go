package tgui

import (
	"html"
	"regexp"
	"strings"
)

// H represents HTML that is safe to pass to Telegram when ParseMode="HTML".
// Values of type H should be treated as already-escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Link builds an HTML link.
func Link(text, url string) H {
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// Mention links to a Telegram user id. Non-numeric ids render as plain text.
func Mention(userID string) H {
	if !numericRe.MatchString(userID) {
		return Esc("@" + userID)
	}
	return Link("@"+userID, "tg://user?id="+userID)
}

// JoinH joins non-blank safe HTML parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

var (
	numericRe = regexp.MustCompile(`^[0-9]+$`)
	mentionRe = regexp.MustCompile(`<@([A-Za-z0-9_\-]+)>`)
	boldRe    = regexp.MustCompile(`\*([^*\n]+)\*`)
)

// FromMarkup converts block markup (*bold* and <@user> mentions) into
// Telegram HTML. Everything else is escaped.
func FromMarkup(s string) H {
	var b strings.Builder
	last := 0
	for _, m := range mentionRe.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(bold(s[last:m[0]]))
		b.WriteString(Mention(s[m[2]:m[3]]).String())
		last = m[1]
	}
	b.WriteString(bold(s[last:]))
	return H(b.String())
}

func bold(s string) string {
	return boldRe.ReplaceAllString(html.EscapeString(s), "<b>$1</b>")
}
