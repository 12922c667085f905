package flow

import (
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// buildPayload renders the outbound payload of a message, buttons or list node.
func buildPayload(data models.NodeData, contact *models.Contact, vars map[string]any) (models.MessagePayload, bool) {
	in := func(s string) string { return Interpolate(s, contact, vars) }

	switch d := data.(type) {
	case models.MessageData:
		return buildMessagePayload(d, in), true
	case models.ButtonsData:
		buttons := make([]models.Button, len(d.Buttons))
		for i, b := range d.Buttons {
			buttons[i] = models.Button{ID: b.ID, Text: in(b.Text)}
		}
		return models.ButtonsPayload{Text: in(d.Text), Footer: in(d.Footer), Buttons: buttons}, true
	case models.ListData:
		sections := make([]models.ListSection, len(d.Sections))
		for i, s := range d.Sections {
			rows := make([]models.ListRow, len(s.Rows))
			for j, r := range s.Rows {
				rows[j] = models.ListRow{ID: r.ID, Title: in(r.Title), Description: in(r.Description)}
			}
			sections[i] = models.ListSection{Title: in(s.Title), Rows: rows}
		}
		return models.ListPayload{
			Text:       in(d.Text),
			Title:      in(d.Title),
			ButtonText: in(d.ButtonText),
			Footer:     in(d.Footer),
			Sections:   sections,
		}, true
	}
	return nil, false
}

func buildMessagePayload(d models.MessageData, in func(string) string) models.MessagePayload {
	switch d.MessageType {
	case models.PayloadImage, models.PayloadVideo, models.PayloadAudio, models.PayloadDocument:
		caption := d.Caption
		if caption == "" {
			caption = d.Text
		}
		return models.MediaPayload{
			Type:     d.MessageType,
			URL:      in(d.MediaURL),
			Caption:  in(caption),
			FileName: in(d.FileName),
			Mimetype: d.Mimetype,
		}
	case models.PayloadLocation:
		return models.LocationPayload{
			Latitude:  d.Latitude,
			Longitude: d.Longitude,
			Name:      in(d.LocationName),
			Address:   in(d.Address),
		}
	case models.PayloadContact:
		return models.ContactPayload{
			DisplayName: in(d.ContactName),
			Phone:       in(d.ContactPhone),
			Vcard:       d.Vcard,
		}
	case models.PayloadPoll:
		opts := make([]string, len(d.PollOptions))
		for i, o := range d.PollOptions {
			opts[i] = in(o)
		}
		name := d.PollName
		if name == "" {
			name = d.Text
		}
		return models.PollPayload{Name: in(name), Options: opts, SelectableCount: d.SelectableCount}
	default:
		return models.TextPayload{Text: in(d.Text)}
	}
}

// autoContinue reports whether a sending node advances without waiting for a reply.
func autoContinue(data models.NodeData) bool {
	switch d := data.(type) {
	case models.MessageData:
		return d.AutoContinue
	case models.ButtonsData:
		return d.AutoContinue
	case models.ListData:
		return d.AutoContinue
	}
	return false
}
