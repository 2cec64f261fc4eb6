package chatstate

// Status is the authoritative lifecycle state of a chat.
type Status string

const (
	StatusReady     Status = "ready"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// Part kinds used by the default streaming engine. The container itself does
// not interpret parts.
const (
	PartText     = "text"
	PartToolCall = "tool-call"
	PartData     = "data"
)

// Part is one segment of a message: text, a tool invocation, or opaque data.
type Part struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Message is an application-defined chat record with a stable identifier and
// a role tag.
type Message struct {
	ID       string         `json:"id"`
	Role     string         `json:"role"`
	Parts    []Part         `json:"parts,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Clone returns a structural deep copy of the message. The container stores
// clones so later mutation of a caller's message cannot corrupt held state.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.clone()
		}
	}
	out.Metadata = cloneMap(m.Metadata)
	return out
}

func (p Part) clone() Part {
	out := p
	out.Input = cloneMap(p.Input)
	out.Output = cloneMap(p.Output)
	out.Data = cloneMap(p.Data)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(id, role, text string) Message {
	return Message{ID: id, Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}
