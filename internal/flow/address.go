// Package flow executes stored flow graphs against inbound messages.
//
// The Executor owns the execution lifecycle: it upserts the contact of every
// inbound message, resumes that contact's paused execution or starts the first
// matching trigger flow, and then walks nodes in an explicit work loop,
// persisting the execution after every step until it pauses, waits on a
// delay or completes.
package flow

import "strings"

var addressSuffixes = []string{
	"@s.whatsapp.net",
	"@c.us",
	"@lid",
	"@newsletter",
	"@g.us",
}

// PhoneFromAddress reduces a channel address to the bare phone identifier
// contacts are keyed by.
func PhoneFromAddress(address string) string {
	s := strings.TrimSpace(address)
	s = strings.TrimPrefix(s, "whatsapp:")
	for _, suffix := range addressSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	// device part, e.g. 1555123:12
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "+")
}
