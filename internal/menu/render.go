package menu

import (
	"encoding/json"
	"strings"

	"babbell/internal/transport"
)

const (
	failedLine = "*Today's menu:* lookup failed"
	closedNote = "closed for today"
)

// Blocks renders one line per restaurant.
func Blocks(t Today) []transport.Block {
	if !t.OK() {
		return []transport.Block{transport.Section(failedLine)}
	}
	lines := []string{"*Today's menu*"}
	for _, r := range t.Restaurants {
		if r.Selected != nil && len(r.Selected.Menus) > 0 {
			lines = append(lines, "• *"+r.Name+"*: "+strings.Join(r.Selected.Menus, ", "))
		} else {
			lines = append(lines, "• *"+r.Name+"*: "+closedNote)
		}
	}
	return []transport.Block{transport.Section(strings.Join(lines, "\n"))}
}

// Text is the plain-text fallback of Blocks.
func Text(t Today) string {
	if !t.OK() {
		return "Today's menu: lookup failed"
	}
	lines := []string{"Today's menu"}
	for _, r := range t.Restaurants {
		if r.Selected != nil && len(r.Selected.Menus) > 0 {
			lines = append(lines, "• "+r.Name+": "+strings.Join(r.Selected.Menus, ", "))
		} else {
			lines = append(lines, "• "+r.Name+": "+closedNote)
		}
	}
	return strings.Join(lines, "\n")
}

// JSON is the form stored with broadcast metadata.
func JSON(t Today) string {
	b, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return string(b)
}
