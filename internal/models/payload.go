package models

// PayloadType identifies an outbound message variant.
type PayloadType string

const (
	PayloadText     PayloadType = "text"
	PayloadImage    PayloadType = "image"
	PayloadVideo    PayloadType = "video"
	PayloadAudio    PayloadType = "audio"
	PayloadDocument PayloadType = "document"
	PayloadLocation PayloadType = "location"
	PayloadContact  PayloadType = "contact"
	PayloadPoll     PayloadType = "poll"
	PayloadButtons  PayloadType = "buttons"
	PayloadList     PayloadType = "list"
)

// IsMedia reports whether the type carries an uploaded attachment.
func (t PayloadType) IsMedia() bool {
	switch t {
	case PayloadImage, PayloadVideo, PayloadAudio, PayloadDocument:
		return true
	}
	return false
}

// Button is one reply button.
type Button struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ListRow is one selectable row in a list section.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list rows under a title.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// MessagePayload is the sealed set of outbound message shapes a channel can deliver.
type MessagePayload interface {
	PayloadType() PayloadType
}

// TextPayload is a plain text message.
type TextPayload struct {
	Text string `json:"text"`
}

// MediaPayload is an image, video, audio or document fetched from URL.
type MediaPayload struct {
	Type     PayloadType `json:"type"`
	URL      string      `json:"url"`
	Caption  string      `json:"caption,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	Mimetype string      `json:"mimetype,omitempty"`
}

// LocationPayload is a pinned location.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ContactPayload is a shared contact card.
type ContactPayload struct {
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone,omitempty"`
	Vcard       string `json:"vcard,omitempty"`
}

// PollPayload is a single or multi-choice poll.
type PollPayload struct {
	Name            string   `json:"name"`
	Options         []string `json:"options"`
	SelectableCount int      `json:"selectable_count"`
}

// ButtonsPayload is a body with reply buttons.
type ButtonsPayload struct {
	Text    string   `json:"text"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []Button `json:"buttons"`
}

// ListPayload is an interactive list.
type ListPayload struct {
	Text       string        `json:"text"`
	Title      string        `json:"title,omitempty"`
	ButtonText string        `json:"button_text,omitempty"`
	Footer     string        `json:"footer,omitempty"`
	Sections   []ListSection `json:"sections"`
}

func (TextPayload) PayloadType() PayloadType     { return PayloadText }
func (p MediaPayload) PayloadType() PayloadType  { return p.Type }
func (LocationPayload) PayloadType() PayloadType { return PayloadLocation }
func (ContactPayload) PayloadType() PayloadType  { return PayloadContact }
func (PollPayload) PayloadType() PayloadType     { return PayloadPoll }
func (ButtonsPayload) PayloadType() PayloadType  { return PayloadButtons }
func (ListPayload) PayloadType() PayloadType     { return PayloadList }
