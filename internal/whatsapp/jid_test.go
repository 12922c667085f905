package whatsapp

import (
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in         string
		wantUser   string
		wantServer string
		wantErr    bool
	}{
		{"+1 (555) 123-0001", "15551230001", types.DefaultUserServer, false},
		{"whatsapp:+15551230001", "15551230001", types.DefaultUserServer, false},
		{"15551230001@s.whatsapp.net", "15551230001", types.DefaultUserServer, false},
		{"15551230001:12@s.whatsapp.net", "15551230001", types.DefaultUserServer, false},
		{"123456789@lid", "123456789", types.HiddenUserServer, false},
		{"abc", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			jid, err := ParseRecipient(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRecipient(%q) error: %v", tt.in, err)
			}
			if jid.User != tt.wantUser || jid.Server != tt.wantServer || jid.Device != 0 {
				t.Errorf("ParseRecipient(%q) = %s, want %s@%s", tt.in, jid.String(), tt.wantUser, tt.wantServer)
			}
		})
	}
}

func TestTextFromMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hi")}, "hi"},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}}, "link"},
		{"button reply", &waE2E.Message{ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{
			Response: &waE2E.ButtonsResponseMessage_SelectedDisplayText{SelectedDisplayText: "Yes"},
		}}, "Yes"},
		{"list reply", &waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{Title: proto.String("Pizza")}}, "Pizza"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("pic")}}, "pic"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TextFromMessage(tt.msg); got != tt.want {
				t.Errorf("TextFromMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
