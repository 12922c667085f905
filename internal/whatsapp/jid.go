package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// PhoneDigits keeps only the digits of a phone number.
func PhoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseRecipient turns a channel address or bare phone number into a JID.
// Full JIDs keep their server (lid, newsletter, group); phone numbers map to
// the default user server.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimPrefix(strings.TrimSpace(to), "whatsapp:")
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid.ToNonAD(), nil
	}
	digits := PhoneDigits(to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q: no digits", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
