package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline is a small builder for inline keyboards (ReplyMarkup).
// It stores rows as tele.Row ([]tele.Btn) and applies them via ReplyMarkup.Inline().
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a new row (buttons) to the inline keyboard. Empty rows are skipped.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Len reports the number of rows.
func (i *Inline) Len() int { return len(i.rows) }

// Markup returns the underlying reply markup, or nil when no row was added.
func (i *Inline) Markup() *tele.ReplyMarkup {
	if len(i.rows) == 0 {
		return nil
	}
	return i.rm
}

// Btn creates a callback button carrying packed callback data.
func Btn(label, actionID, value string) (tele.Btn, error) {
	data, err := Data(actionID, value)
	if err != nil {
		return tele.Btn{}, err
	}
	return tele.Btn{Text: TruncRunes(label, MaxButtonLabelRunes), Data: data}, nil
}
