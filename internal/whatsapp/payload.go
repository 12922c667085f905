package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

type uploadFunc func(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error)

type pollFunc func(name string, optionNames []string, selectableOptionCount int) *waE2E.Message

// messageBuilder converts outbound payloads into waE2E messages.
type messageBuilder struct {
	httpClient *http.Client
	upload     uploadFunc
	poll       pollFunc
}

func (b *messageBuilder) build(ctx context.Context, payload models.MessagePayload) (*waE2E.Message, error) {
	switch p := payload.(type) {
	case models.TextPayload:
		if p.Text == "" {
			return nil, fmt.Errorf("message body cannot be empty")
		}
		return &waE2E.Message{Conversation: proto.String(p.Text)}, nil
	case models.MediaPayload:
		return b.buildMedia(ctx, p)
	case models.LocationPayload:
		return &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(p.Latitude),
			DegreesLongitude: proto.Float64(p.Longitude),
			Name:             optionalString(p.Name),
			Address:          optionalString(p.Address),
		}}, nil
	case models.ContactPayload:
		vcard := p.Vcard
		if vcard == "" {
			vcard = BuildVCard(p.DisplayName, p.Phone)
		}
		return &waE2E.Message{ContactMessage: &waE2E.ContactMessage{
			DisplayName: proto.String(p.DisplayName),
			Vcard:       proto.String(vcard),
		}}, nil
	case models.PollPayload:
		if len(p.Options) < 2 {
			return nil, fmt.Errorf("poll needs at least two options, got %d", len(p.Options))
		}
		selectable := p.SelectableCount
		if selectable < 0 || selectable > len(p.Options) {
			selectable = 1
		}
		return b.poll(p.Name, p.Options, selectable), nil
	case models.ButtonsPayload:
		return buildButtons(p), nil
	case models.ListPayload:
		return buildList(p), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, payload)
	}
}

func (b *messageBuilder) buildMedia(ctx context.Context, p models.MediaPayload) (*waE2E.Message, error) {
	data, detected, err := b.fetch(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	mimetype := p.Mimetype
	if mimetype == "" {
		mimetype = detected
	}

	var mediaType whatsmeow.MediaType
	switch p.Type {
	case models.PayloadImage:
		mediaType = whatsmeow.MediaImage
	case models.PayloadVideo:
		mediaType = whatsmeow.MediaVideo
	case models.PayloadAudio:
		mediaType = whatsmeow.MediaAudio
	case models.PayloadDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return nil, fmt.Errorf("%w: media %q", ErrUnsupportedType, p.Type)
	}

	up, err := b.upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", p.Type, err)
	}

	switch p.Type {
	case models.PayloadImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optionalString(p.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case models.PayloadVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optionalString(p.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case models.PayloadAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	default:
		fileName := p.FileName
		if fileName == "" {
			fileName = path.Base(p.URL)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optionalString(p.Caption),
			FileName:      proto.String(fileName),
			Title:         proto.String(fileName),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
}

// fetch downloads a media URL and returns its body and sniffed content type.
func (b *messageBuilder) fetch(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", fmt.Errorf("media url cannot be empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("fetch media %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media %s: %w", url, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", fmt.Errorf("media %s exceeds %d bytes", url, MaxMediaBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func buildButtons(p models.ButtonsPayload) *waE2E.Message {
	buttons := make([]*waE2E.ButtonsMessage_Button, 0, len(p.Buttons))
	for _, btn := range p.Buttons {
		buttons = append(buttons, &waE2E.ButtonsMessage_Button{
			ButtonID:   proto.String(btn.ID),
			ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: proto.String(btn.Text)},
			Type:       waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
		})
	}
	return &waE2E.Message{ButtonsMessage: &waE2E.ButtonsMessage{
		ContentText: proto.String(p.Text),
		FooterText:  optionalString(p.Footer),
		HeaderType:  waE2E.ButtonsMessage_EMPTY.Enum(),
		Buttons:     buttons,
	}}
}

func buildList(p models.ListPayload) *waE2E.Message {
	sections := make([]*waE2E.ListMessage_Section, 0, len(p.Sections))
	for _, sec := range p.Sections {
		rows := make([]*waE2E.ListMessage_Row, 0, len(sec.Rows))
		for _, row := range sec.Rows {
			rows = append(rows, &waE2E.ListMessage_Row{
				RowID:       proto.String(row.ID),
				Title:       proto.String(row.Title),
				Description: optionalString(row.Description),
			})
		}
		sections = append(sections, &waE2E.ListMessage_Section{Title: proto.String(sec.Title), Rows: rows})
	}
	buttonText := p.ButtonText
	if buttonText == "" {
		buttonText = "Menu"
	}
	return &waE2E.Message{ListMessage: &waE2E.ListMessage{
		Title:       optionalString(p.Title),
		Description: proto.String(p.Text),
		ButtonText:  proto.String(buttonText),
		FooterText:  optionalString(p.Footer),
		ListType:    waE2E.ListMessage_SINGLE_SELECT.Enum(),
		Sections:    sections,
	}}
}

// BuildVCard renders a minimal vCard 3.0 card for a contact share.
func BuildVCard(displayName, phone string) string {
	card := "BEGIN:VCARD\nVERSION:3.0\nFN:" + displayName + "\n"
	if phone != "" {
		card += "TEL;type=CELL;waid=" + PhoneDigits(phone) + ":+" + PhoneDigits(phone) + "\n"
	}
	return card + "END:VCARD"
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
