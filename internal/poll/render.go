package poll

import (
	"fmt"
	"strconv"
	"strings"

	"babbell/internal/storage"
	"babbell/internal/transport"
)

const (
	// AnonymousMarker stands in for a voter from another tenant.
	AnonymousMarker = "👤"

	FallbackText = "🗳️ Where are we eating today? Cast your vote!"

	rule = "━━━━━━━━━━━━━━━━━━"
)

type ChoiceTally struct {
	Name   string
	Count  int
	Voters []storage.Identity
}

// Snapshot is the state of one poll as seen by one viewer.
type Snapshot struct {
	PollID      string
	Open        bool
	Choices     []ChoiceTally
	TotalVoters int
	// Mine holds the viewer's own choices by name.
	Mine map[string]bool
}

// Render builds the viewer's poll message. It performs no I/O.
func Render(s Snapshot, viewer storage.Identity) transport.Payload {
	blocks := []transport.Block{
		transport.Section(rule + "\n🗳️ *Where are we eating today?* (multiple votes allowed)"),
	}

	for _, c := range s.Choices {
		mine := s.Mine[c.Name]
		var b strings.Builder
		fmt.Fprintf(&b, "📍 *%s* (%s)", c.Name, votes(c.Count))
		if mine {
			b.WriteString(" ✅")
		}
		if len(c.Voters) > 0 {
			b.WriteString("\n      └ ")
			b.WriteString(voterList(c.Voters, viewer.TenantID))
		}

		block := transport.Section(b.String())
		if s.Open {
			btn := transport.Button{
				Label:    "Vote",
				ActionID: VoteActionID(s.PollID),
				Value:    ChoiceKey(c.Name),
			}
			if mine {
				btn.Label = "✓ Un-vote"
				btn.Style = transport.StyleDanger
			}
			block.Accessory = &btn
		}
		blocks = append(blocks, block)
	}

	blocks = append(blocks,
		transport.Context(fmt.Sprintf("Total voters: %d", s.TotalVoters)),
		transport.Section(rule),
	)
	if s.Open {
		blocks = append(blocks, transport.Actions(transport.Button{
			Label:    "🔄 Refresh results",
			ActionID: RefreshActionID(s.PollID),
		}))
	} else {
		blocks = append(blocks, transport.Context("🔒 This poll is closed."))
	}
	return transport.Payload{Text: FallbackText, Blocks: blocks}
}

func voterList(voters []storage.Identity, tenant string) string {
	parts := make([]string, 0, len(voters))
	for _, v := range voters {
		if v.TenantID == tenant {
			parts = append(parts, transport.Mention(v.UserID))
		} else {
			parts = append(parts, AnonymousMarker)
		}
	}
	return strings.Join(parts, ", ")
}

func votes(n int) string {
	if n == 1 {
		return "1 vote"
	}
	return strconv.Itoa(n) + " votes"
}
