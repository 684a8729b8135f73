package poll

import (
	"fmt"
	"hash/fnv"
	"strings"
)

const (
	actionPrefix  = "poll_"
	votePrefix    = actionPrefix + "vote_"
	refreshPrefix = actionPrefix + "refresh_"
)

func VoteActionID(pollID string) string { return votePrefix + pollID }

func RefreshActionID(pollID string) string { return refreshPrefix + pollID }

// IsPollAction reports whether actionID belongs to a poll button.
func IsPollAction(actionID string) bool { return strings.HasPrefix(actionID, actionPrefix) }

// ParseVote returns the poll id of a vote button action.
func ParseVote(actionID string) (string, bool) {
	id, ok := strings.CutPrefix(actionID, votePrefix)
	return id, ok && id != ""
}

// ParseRefresh returns the poll id of a refresh button action.
func ParseRefresh(actionID string) (string, bool) {
	id, ok := strings.CutPrefix(actionID, refreshPrefix)
	return id, ok && id != ""
}

// ChoiceKey is the vote button value for a choice. It depends only on the
// name, so reordering choices does not redirect already posted buttons.
func ChoiceKey(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}
