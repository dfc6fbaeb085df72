package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash is the dedup key for fact text: sha256 over the lowercased,
// trimmed content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:])
}

func normalizeEnum(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// TurnContent renders a turn the way retrieval results show it.
func TurnContent(userInput, assistantResponse string) string {
	return "User: " + userInput + "\nAssistant: " + assistantResponse
}
