package whatsapp

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// TextFromMessage extracts the user-visible text of an inbound message.
// Button and list replies yield the selected option's display text. Media
// messages yield their caption. It returns "" for content without text.
func TextFromMessage(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetButtonsResponseMessage().GetSelectedDisplayText() != "":
		return msg.GetButtonsResponseMessage().GetSelectedDisplayText()
	case msg.GetListResponseMessage().GetTitle() != "":
		return msg.GetListResponseMessage().GetTitle()
	case msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	}
	return ""
}
