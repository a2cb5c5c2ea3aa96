package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// conversationIDPrefix tags generated ids so they are recognizable in
// provider dashboards and store keys.
const conversationIDPrefix = "CF"

// GenerateConversationID returns a new identifier of the form CF followed by
// 32 lowercase hex characters (16 cryptographically random bytes).
func GenerateConversationID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("pairing: generate conversation id: %w", err)
	}
	return conversationIDPrefix + hex.EncodeToString(buf[:]), nil
}
