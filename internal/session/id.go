package session

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/ent0n29/voicememory/internal/memory"
)

const idTimeLayout = "20060102_150405"

// NewID builds {user}[_{device}]_{YYYYmmdd_HHMMSS}_{8 hex}. The device
// segment keeps only ASCII letters, digits and dashes and is dropped when
// nothing survives.
func NewID(userID, deviceName string, now time.Time) string {
	user := strings.TrimSpace(userID)
	if user == "" {
		user = memory.DefaultUserID
	}
	parts := []string{user}
	if dev := sanitizeDevice(deviceName); dev != "" {
		parts = append(parts, dev)
	}
	parts = append(parts, now.UTC().Format(idTimeLayout), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return strings.Join(parts, "_")
}

func sanitizeDevice(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
