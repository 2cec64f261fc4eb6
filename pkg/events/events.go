// Package events defines the typed streaming events exchanged between a chat
// transport, the streaming engine and its apply loop, together with a JSON
// wire codec and watermill publish helpers.
package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// Type discriminates streamed event payloads.
type Type string

const (
	TypeStart     Type = "start"
	TypeTextDelta Type = "text-delta"
	TypeToolCall  Type = "tool-call"
	TypeData      Type = "data"
	TypeFinish    Type = "finish"
	TypeError     Type = "error"
)

// Event is one decoded streaming event. Fields beyond Type are populated
// depending on the event kind.
type Event struct {
	Type Type `json:"type"`

	// MessageID identifies the assistant message being streamed.
	MessageID string `json:"messageId,omitempty"`

	// Delta carries incremental text for text-delta events.
	Delta string `json:"delta,omitempty"`

	// Tool call fields.
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	// Data carries application-defined payloads for data events.
	Data map[string]any `json:"data,omitempty"`

	// FinishReason is set on finish events.
	FinishReason string `json:"finishReason,omitempty"`

	// ErrorText is set on error events.
	ErrorText string `json:"errorText,omitempty"`
}

// NewEventFromJSON decodes an event and validates its type tag.
func NewEventFromJSON(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, errors.Wrap(err, "failed to decode event json")
	}
	switch e.Type {
	case TypeStart, TypeTextDelta, TypeToolCall, TypeData, TypeFinish, TypeError:
		return e, nil
	default:
		return Event{}, errors.Errorf("unknown event type %q", e.Type)
	}
}

// Topic computes the per-chat event topic.
func Topic(chatID string) string { return "chat:" + chatID }

// Sink publishes events for one chat onto a watermill publisher.
type Sink struct {
	pub   message.Publisher
	topic string
}

func NewSink(pub message.Publisher, chatID string) *Sink {
	return &Sink{pub: pub, topic: Topic(chatID)}
}

func (s *Sink) Publish(e Event) error {
	return s.PublishForRun(e, "")
}

// MetadataRunID is the watermill metadata key carrying the run identifier, so
// consumers can drop events from superseded runs.
const MetadataRunID = "run_id"

// PublishForRun publishes an event tagged with the run that produced it.
func (s *Sink) PublishForRun(e Event, runID string) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if runID != "" {
		msg.Metadata.Set(MetadataRunID, runID)
	}
	return s.pub.Publish(s.topic, msg)
}
