package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Ensure the sessions implement Session
func TestSessionsImplementSession(t *testing.T) {
	var _ Session = (*WhatsAppSession)(nil)
	var _ Session = (*TwilioSession)(nil)
	var _ Session = (*MockSession)(nil)
	var _ Channel = (*SessionRegistry)(nil)
	var _ PresenceChannel = (*SessionRegistry)(nil)
	var _ Typer = (*WhatsAppSession)(nil)
}

func TestWhatsAppSession_SetTypingForwardsToClient(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppSession("wa", mockClient)

	if err := svc.SetTyping(context.Background(), "15551230001", true); err != nil {
		t.Fatalf("SetTyping returned error: %v", err)
	}
	if len(mockClient.Typing) != 1 || !mockClient.Typing[0] {
		t.Errorf("expected one composing update, got %v", mockClient.Typing)
	}
}

func TestWhatsAppSession_SendRendersButtonsAsText(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppSession("wa", mockClient)

	err := svc.Send(context.Background(), "15551230001", models.ButtonsPayload{
		Text:    "Pick",
		Buttons: []models.Button{{ID: "1", Text: "Yes"}},
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	sent := mockClient.Messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sent))
	}
	text, ok := sent[0].Payload.(models.TextPayload)
	if !ok {
		t.Fatalf("expected text payload, got %T", sent[0].Payload)
	}
	if text.Text != "Pick\n\n1. Yes" {
		t.Errorf("unexpected rendering %q", text.Text)
	}
}

func TestWhatsAppSession_InteractiveKeepsButtons(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppSession("wa", mockClient, WithInteractive())

	if err := svc.Send(context.Background(), "15551230001", models.ButtonsPayload{Text: "Pick"}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if _, ok := mockClient.Messages()[0].Payload.(models.ButtonsPayload); !ok {
		t.Errorf("expected buttons payload to pass through")
	}
}

func TestWhatsAppSession_HandleMessageEvent(t *testing.T) {
	svc := NewWhatsAppSession("wa", whatsapp.NewMockClient())
	contact := types.NewJID("15551230001", types.DefaultUserServer)

	svc.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: contact, Sender: contact, IsFromMe: true},
			ID:            "ABC",
			PushName:      "Ana",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	})

	select {
	case msg := <-svc.Inbound():
		if msg.SessionID != "wa" || msg.MessageID != "ABC" || msg.Text != "hello" {
			t.Errorf("unexpected inbound %+v", msg)
		}
		if msg.ChannelAddress != "15551230001@s.whatsapp.net" {
			t.Errorf("unexpected address %q", msg.ChannelAddress)
		}
		if !msg.FromMe || msg.PushName != "Ana" {
			t.Errorf("expected fromMe and push name, got %+v", msg)
		}
	default:
		t.Fatal("expected inbound message, got none")
	}
}

func TestWhatsAppSession_IgnoresGroupsAndEmptyText(t *testing.T) {
	svc := NewWhatsAppSession("wa", whatsapp.NewMockClient())
	group := types.NewJID("1203630", types.GroupServer)
	user := types.NewJID("15551230001", types.DefaultUserServer)

	svc.handleEvent(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: group, Sender: user}},
		Message: &waE2E.Message{Conversation: proto.String("hi all")},
	})
	svc.handleEvent(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: user, Sender: user}},
		Message: &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}},
	})

	select {
	case msg := <-svc.Inbound():
		t.Fatalf("expected no inbound message, got %+v", msg)
	default:
	}
}

// Test Stop closes the inbound channel and rejects sends
func TestWhatsAppSession_StartStop(t *testing.T) {
	svc := NewWhatsAppSession("wa", whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	if err := svc.Send(context.Background(), "1", models.TextPayload{Text: "x"}); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
