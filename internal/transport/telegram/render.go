package telegram

import (
	"strings"

	kit "babbell/internal/transport"
	"babbell/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

const dividerLine = "──────────"

// renderPayload flattens blocks into HTML text and an inline keyboard.
// Section accessories become one-button rows placed in block order after the
// text; action blocks become one row each.
func renderPayload(p kit.Payload) (string, *tele.ReplyMarkup) {
	if len(p.Blocks) == 0 {
		return tgui.FromMarkup(p.Text).String(), nil
	}
	lines := make([]tgui.H, 0, len(p.Blocks))
	kb := tgui.NewInline()
	for _, b := range p.Blocks {
		switch b.Kind {
		case kit.BlockSection:
			lines = append(lines, tgui.FromMarkup(b.Text))
			if b.Accessory != nil {
				kb.Row(buttons(*b.Accessory)...)
			}
		case kit.BlockContext:
			lines = append(lines, tgui.H("<i>"+tgui.FromMarkup(b.Text).String()+"</i>"))
		case kit.BlockDivider:
			lines = append(lines, tgui.Esc(dividerLine))
		case kit.BlockActions:
			kb.Row(buttons(b.Buttons...)...)
		}
	}
	return tgui.JoinH("\n\n", lines...).String(), kb.Markup()
}

// buttons drops any button whose callback data would exceed Telegram's limit.
func buttons(in ...kit.Button) []tele.Btn {
	out := make([]tele.Btn, 0, len(in))
	for _, b := range in {
		btn, err := tgui.Btn(b.Label, b.ActionID, b.Value)
		if err != nil {
			continue
		}
		out = append(out, btn)
	}
	return out
}

// splitTelegramText splits long HTML messages into chunks that are safe to
// send to Telegram. It prefers newline boundaries and avoids cutting inside a tag.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
