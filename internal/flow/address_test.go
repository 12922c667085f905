package flow

import "testing"

func TestPhoneFromAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"15551230001@s.whatsapp.net", "15551230001"},
		{"15551230001:12@s.whatsapp.net", "15551230001"},
		{"15551230001@c.us", "15551230001"},
		{"98765@lid", "98765"},
		{"1203630@newsletter", "1203630"},
		{"1203630-555@g.us", "1203630-555"},
		{"whatsapp:+15551230001", "15551230001"},
		{"+15551230001", "15551230001"},
		{" 15551230001 ", "15551230001"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := PhoneFromAddress(tt.in); got != tt.want {
				t.Errorf("PhoneFromAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
