package conversation

import (
	"strconv"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// dedupKey identifies a message across the history and live paths. The
// server ID wins when present, then the local ID of an optimistic send,
// then the message's own fields.
func dedupKey(m models.Message) string {
	switch {
	case m.ID != 0:
		return "id:" + strconv.FormatUint(uint64(m.ID), 10)
	case m.LocalID != "":
		return "local:" + m.LocalID
	default:
		return "msg:" + strconv.FormatUint(uint64(m.SenderID), 10) +
			"|" + strconv.FormatUint(uint64(m.ConversationID), 10) +
			"|" + m.CreatedAt.UTC().Format(time.RFC3339Nano) +
			"|" + norm.NFC.String(m.Content)
	}
}

// sameContent compares message bodies after NFC normalization, so text
// typed with combining marks matches the server's stored copy.
func sameContent(a, b string) bool {
	return a == b || norm.NFC.String(a) == norm.NFC.String(b)
}
