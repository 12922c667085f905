package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Channel address suffixes of accounts that cannot receive interactive content.
const (
	SuffixLID        = "@lid"
	SuffixNewsletter = "@newsletter"
)

// IsRestrictedAddress reports whether an address only accepts plain content.
func IsRestrictedAddress(address string) bool {
	return strings.HasSuffix(address, SuffixLID) || strings.HasSuffix(address, SuffixNewsletter)
}

// RenderPlainText renders interactive payloads as readable text. Other payload
// types are rendered by their text content.
func RenderPlainText(payload models.MessagePayload) string {
	switch p := payload.(type) {
	case models.TextPayload:
		return p.Text
	case models.ButtonsPayload:
		var b strings.Builder
		b.WriteString(p.Text)
		if len(p.Buttons) > 0 {
			b.WriteString("\n")
		}
		for i, btn := range p.Buttons {
			fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Text)
		}
		writeFooter(&b, p.Footer)
		return b.String()
	case models.ListPayload:
		var b strings.Builder
		b.WriteString(p.Text)
		for _, sec := range p.Sections {
			b.WriteString("\n")
			if sec.Title != "" {
				fmt.Fprintf(&b, "\n*%s*", sec.Title)
			}
			for _, row := range sec.Rows {
				if row.Description != "" {
					fmt.Fprintf(&b, "\n• %s - %s", row.Title, row.Description)
				} else {
					fmt.Fprintf(&b, "\n• %s", row.Title)
				}
			}
		}
		writeFooter(&b, p.Footer)
		return b.String()
	case models.PollPayload:
		var b strings.Builder
		b.WriteString(p.Name)
		if len(p.Options) > 0 {
			b.WriteString("\n")
		}
		for i, opt := range p.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
		}
		return b.String()
	case models.MediaPayload:
		if p.Caption != "" {
			return p.Caption + "\n" + p.URL
		}
		return p.URL
	case models.LocationPayload:
		label := strings.TrimSpace(p.Name + " " + p.Address)
		coords := fmt.Sprintf("%g,%g", p.Latitude, p.Longitude)
		if label == "" {
			return coords
		}
		return label + "\n" + coords
	case models.ContactPayload:
		return strings.TrimSpace(p.DisplayName + " " + p.Phone)
	}
	return ""
}

func writeFooter(b *strings.Builder, footer string) {
	if footer != "" {
		b.WriteString("\n\n")
		b.WriteString(footer)
	}
}

// AdaptForAddress downgrades interactive payloads to plain text for restricted
// addresses. Every other combination is returned unchanged.
func AdaptForAddress(address string, payload models.MessagePayload) models.MessagePayload {
	if !IsRestrictedAddress(address) {
		return payload
	}
	return PlainFallback(payload)
}

// PlainFallback replaces buttons, lists and polls with their text rendering.
func PlainFallback(payload models.MessagePayload) models.MessagePayload {
	switch payload.PayloadType() {
	case models.PayloadButtons, models.PayloadList, models.PayloadPoll:
		return models.TextPayload{Text: RenderPlainText(payload)}
	}
	return payload
}
