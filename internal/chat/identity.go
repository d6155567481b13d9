package chat

import "strings"

// KeyDelimiter joins the sorted participant pair into a conversation key.
const KeyDelimiter = "_"

// DeriveConversationKey builds the canonical conversation identifier for two
// participants. The identifiers are sorted ascending and joined with
// KeyDelimiter, so both sides derive the same key regardless of argument
// order and at most one conversation can exist per unordered pair.
func DeriveConversationKey(idA, idB string) (key, participant1, participant2 string) {
	participant1 = strings.TrimSpace(idA)
	participant2 = strings.TrimSpace(idB)
	if participant2 < participant1 {
		participant1, participant2 = participant2, participant1
	}
	return participant1 + KeyDelimiter + participant2, participant1, participant2
}
