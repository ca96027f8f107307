package chat

import (
	"sort"
	"strings"
)

// ConversationId derives the shared conversation key for a participant pair.
// Both sides compute the same id regardless of who is local and who is peer:
// the two ids are sorted and joined with "_".
func ConversationId(userA, userB string) string {
	users := []string{userA, userB}
	sort.Strings(users)
	return strings.Join(users, "_")
}
