package slack

import (
	kit "babbell/internal/transport"

	"github.com/slack-go/slack"
)

// Block markup is already Slack mrkdwn, so text passes through unchanged.
func msgOptions(p kit.Payload) []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(p.Text, false)}
	if bs := blocks(p.Blocks); len(bs) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(bs...))
	}
	return opts
}

func blocks(in []kit.Block) []slack.Block {
	out := make([]slack.Block, 0, len(in))
	for _, b := range in {
		switch b.Kind {
		case kit.BlockSection:
			var acc *slack.Accessory
			if b.Accessory != nil {
				acc = slack.NewAccessory(button(*b.Accessory))
			}
			out = append(out, slack.NewSectionBlock(mrkdwn(b.Text), nil, acc))
		case kit.BlockContext:
			out = append(out, slack.NewContextBlock("", mrkdwn(b.Text)))
		case kit.BlockDivider:
			out = append(out, slack.NewDividerBlock())
		case kit.BlockActions:
			els := make([]slack.BlockElement, 0, len(b.Buttons))
			for _, btn := range b.Buttons {
				els = append(els, button(btn))
			}
			if len(els) > 0 {
				out = append(out, slack.NewActionBlock("", els...))
			}
		}
	}
	return out
}

func mrkdwn(s string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, s, false, false)
}

func button(b kit.Button) *slack.ButtonBlockElement {
	el := slack.NewButtonBlockElement(b.ActionID, b.Value, slack.NewTextBlockObject(slack.PlainTextType, b.Label, true, false))
	switch b.Style {
	case kit.StylePrimary:
		el = el.WithStyle(slack.StylePrimary)
	case kit.StyleDanger:
		el = el.WithStyle(slack.StyleDanger)
	}
	return el
}
