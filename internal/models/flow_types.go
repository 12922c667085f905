package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TriggerType determines how an inbound message selects a flow.
type TriggerType string

const (
	// TriggerKeyword matches when any configured keyword is a case-insensitive substring of the text.
	TriggerKeyword TriggerType = "keyword"
	// TriggerMessage matches any inbound text not sent by the system itself.
	TriggerMessage TriggerType = "message"
	// TriggerEvent flows are only started explicitly (API or internal events).
	TriggerEvent TriggerType = "event"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerKeyword, TriggerMessage, TriggerEvent:
		return true
	default:
		return false
	}
}

// NodeType identifies the behaviour of a node in a flow graph.
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeMessage      NodeType = "message"
	NodeTypeButtons      NodeType = "buttons"
	NodeTypeList         NodeType = "list"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeDelay        NodeType = "delay"
	NodeTypeHTTP         NodeType = "http"
	NodeTypeEmail        NodeType = "email"
	NodeTypeMenuResponse NodeType = "menuResponse"
)

// Edge handles used by branching nodes.
const (
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleDefault = "default"
)

// Flow is a stored, directed graph of typed nodes defining an automated conversation.
type Flow struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	TriggerType TriggerType `json:"trigger_type"`
	Keywords    []string    `json:"keywords,omitempty"`
	SessionID   string      `json:"session_id,omitempty"` // empty means any session
	IsActive    bool        `json:"is_active"`
	Nodes       []Node      `json:"nodes"`
	Edges       []Edge      `json:"edges"`
	Position    int         `json:"position"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Edge connects a source node to a target node, optionally through a named handle.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Node is a typed step in a flow. Data holds the type-specific payload.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData is the sealed set of node payloads. Each node type has exactly one implementation.
type NodeData interface {
	nodeType() NodeType
}

// StartData marks the entry point of a flow.
type StartData struct{}

// MessageData sends one message. MessageType selects the payload variant.
type MessageData struct {
	MessageType     PayloadType `json:"messageType,omitempty"` // defaults to text
	Text            string      `json:"text,omitempty"`
	MediaURL        string      `json:"mediaUrl,omitempty"`
	Caption         string      `json:"caption,omitempty"`
	FileName        string      `json:"fileName,omitempty"`
	Mimetype        string      `json:"mimetype,omitempty"`
	Latitude        float64     `json:"latitude,omitempty"`
	Longitude       float64     `json:"longitude,omitempty"`
	LocationName    string      `json:"locationName,omitempty"`
	Address         string      `json:"address,omitempty"`
	ContactName     string      `json:"contactName,omitempty"`
	ContactPhone    string      `json:"contactPhone,omitempty"`
	Vcard           string      `json:"vcard,omitempty"`
	PollName        string      `json:"pollName,omitempty"`
	PollOptions     []string    `json:"pollOptions,omitempty"`
	SelectableCount int         `json:"selectableCount,omitempty"`
	AutoContinue    bool        `json:"autoContinue,omitempty"`
}

// ButtonsData sends a message with reply buttons.
type ButtonsData struct {
	Text         string   `json:"text"`
	Footer       string   `json:"footer,omitempty"`
	Buttons      []Button `json:"buttons"`
	AutoContinue bool     `json:"autoContinue,omitempty"`
}

// ListData sends an interactive list message.
type ListData struct {
	Text         string        `json:"text"`
	Title        string        `json:"title,omitempty"`
	ButtonText   string        `json:"buttonText,omitempty"`
	Footer       string        `json:"footer,omitempty"`
	Sections     []ListSection `json:"sections"`
	AutoContinue bool          `json:"autoContinue,omitempty"`
}

// ConditionData branches on whether the last reply contains Keyword.
type ConditionData struct {
	Keyword string `json:"keyword"`
}

// DelayData waits Seconds before continuing along the outgoing edge.
type DelayData struct {
	Seconds int `json:"seconds"`
}

// HTTPData performs an outbound HTTP call. URL, header values and body are interpolated.
type HTTPData struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// EmailData sends an email through the configured SMTP transport.
type EmailData struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    bool   `json:"html,omitempty"`
}

// MatchType is the strategy used to compare a reply with a menu option.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchNumber   MatchType = "number"
)

// MenuOption is one routable answer of a menuResponse node. ID is the edge handle.
type MenuOption struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	MatchType MatchType `json:"matchType,omitempty"`
}

// MenuResponseData routes the last reply to the edge of the first matching option.
type MenuResponseData struct {
	MatchType MatchType    `json:"matchType,omitempty"` // default for options without their own
	Options   []MenuOption `json:"options"`
}

func (StartData) nodeType() NodeType        { return NodeTypeStart }
func (MessageData) nodeType() NodeType      { return NodeTypeMessage }
func (ButtonsData) nodeType() NodeType      { return NodeTypeButtons }
func (ListData) nodeType() NodeType         { return NodeTypeList }
func (ConditionData) nodeType() NodeType    { return NodeTypeCondition }
func (DelayData) nodeType() NodeType        { return NodeTypeDelay }
func (HTTPData) nodeType() NodeType         { return NodeTypeHTTP }
func (EmailData) nodeType() NodeType        { return NodeTypeEmail }
func (MenuResponseData) nodeType() NodeType { return NodeTypeMenuResponse }

// NewNode builds a node whose Type is derived from its data.
func NewNode(id string, data NodeData) Node {
	return Node{ID: id, Type: data.nodeType(), Data: data}
}

type rawNode struct {
	ID   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the data payload into the struct matching the node type.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw rawNode
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var data NodeData
	switch raw.Type {
	case NodeTypeStart:
		data = &StartData{}
	case NodeTypeMessage:
		data = &MessageData{}
	case NodeTypeButtons:
		data = &ButtonsData{}
	case NodeTypeList:
		data = &ListData{}
	case NodeTypeCondition:
		data = &ConditionData{}
	case NodeTypeDelay:
		data = &DelayData{}
	case NodeTypeHTTP:
		data = &HTTPData{}
	case NodeTypeEmail:
		data = &EmailData{}
	case NodeTypeMenuResponse:
		data = &MenuResponseData{}
	default:
		return fmt.Errorf("unknown node type %q for node %q", raw.Type, raw.ID)
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return fmt.Errorf("invalid data for %s node %q: %w", raw.Type, raw.ID, err)
		}
	}
	n.ID = raw.ID
	n.Type = raw.Type
	n.Data = derefNodeData(data)
	return nil
}

// MarshalJSON encodes the node with its type tag.
func (n Node) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return nil, err
		}
		data = b
	}
	t := n.Type
	if t == "" && n.Data != nil {
		t = n.Data.nodeType()
	}
	return json.Marshal(rawNode{ID: n.ID, Type: t, Data: data})
}

// derefNodeData stores node payloads by value so type switches only see value types.
func derefNodeData(d NodeData) NodeData {
	switch v := d.(type) {
	case *StartData:
		return *v
	case *MessageData:
		return *v
	case *ButtonsData:
		return *v
	case *ListData:
		return *v
	case *ConditionData:
		return *v
	case *DelayData:
		return *v
	case *HTTPData:
		return *v
	case *EmailData:
		return *v
	case *MenuResponseData:
		return *v
	}
	return d
}

// FindNode returns the node with the given id.
func (f *Flow) FindNode(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// StartNode returns the first start node of the flow.
func (f *Flow) StartNode() (Node, bool) {
	for _, n := range f.Nodes {
		if n.Type == NodeTypeStart {
			return n, true
		}
	}
	return Node{}, false
}

// NextNodeID returns the target of the first outgoing edge from source, ignoring handles.
func (f *Flow) NextNodeID(source string) (string, bool) {
	for _, e := range f.Edges {
		if e.Source == source {
			return e.Target, true
		}
	}
	return "", false
}

// NextNodeIDByHandle returns the target of the first edge from source tagged with handle.
func (f *Flow) NextNodeIDByHandle(source, handle string) (string, bool) {
	for _, e := range f.Edges {
		if e.Source == source && e.SourceHandle == handle {
			return e.Target, true
		}
	}
	return "", false
}

// Validate performs structural validation used by the admin API.
// The executor never depends on it and tolerates invalid graphs at runtime.
func (f *Flow) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return ErrEmptyFlowName
	}
	if !IsValidTriggerType(f.TriggerType) {
		return ErrInvalidTrigger
	}
	if f.TriggerType == TriggerKeyword && len(f.Keywords) == 0 {
		return ErrMissingKeywords
	}

	seen := make(map[string]bool, len(f.Nodes))
	starts := 0
	for _, n := range f.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		seen[n.ID] = true
		if n.Type == NodeTypeStart {
			starts++
		}
	}
	if starts == 0 {
		return ErrMissingStart
	}
	if starts > 1 {
		return ErrMultipleStarts
	}
	for _, e := range f.Edges {
		if !seen[e.Source] || !seen[e.Target] {
			return fmt.Errorf("%w: %s -> %s", ErrDanglingEdge, e.Source, e.Target)
		}
	}
	return nil
}
