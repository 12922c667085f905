package models

import "time"

// Contact is a person reachable through a messaging channel, keyed by phone.
type Contact struct {
	ID                       string         `json:"id"`
	Phone                    string         `json:"phone"`
	ChannelAddress           string         `json:"channel_address,omitempty"`
	Name                     string         `json:"name,omitempty"`
	Attributes               map[string]any `json:"attributes,omitempty"`
	AutoReplySuppressed      bool           `json:"auto_reply_suppressed"`
	AutoReplySuppressedUntil *time.Time     `json:"auto_reply_suppressed_until,omitempty"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

// Recipient returns the address outbound messages should be sent to.
// The stored channel address wins over the bare phone number.
func (c *Contact) Recipient() string {
	if c.ChannelAddress != "" {
		return c.ChannelAddress
	}
	return c.Phone
}
