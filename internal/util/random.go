// Package util provides ID generation and environment helpers for FlowPipe.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// Job ids use it; they never leave the process boundary as API ids do.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random hexadecimal digits. Not for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// NewEntityID returns prefix followed by a random UUID without dashes.
// Used for persisted entities whose ids are exposed through the admin API.
func NewEntityID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
