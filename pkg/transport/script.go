package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatbridge/pkg/events"
)

// ScriptTransport replays pre-scripted event sequences: each SubmitMessages
// call consumes the next script in order. Useful for tests and offline demos.
type ScriptTransport struct {
	mu      sync.Mutex
	scripts [][]events.Event
	resume  []events.Event

	submits []SubmitInput
}

func NewScriptTransport(scripts ...[]events.Event) *ScriptTransport {
	return &ScriptTransport{scripts: scripts}
}

// SetResumeScript sets the event sequence served by Reconnect.
func (t *ScriptTransport) SetResumeScript(evs []events.Event) {
	t.mu.Lock()
	t.resume = evs
	t.mu.Unlock()
}

func (t *ScriptTransport) SubmitMessages(_ context.Context, in SubmitInput) (EventStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submits = append(t.submits, in)
	if len(t.scripts) == 0 {
		return nil, errors.New("script transport has no scripts left")
	}
	evs := t.scripts[0]
	t.scripts = t.scripts[1:]
	return newSliceStream(evs), nil
}

func (t *ScriptTransport) Reconnect(_ context.Context, _ ReconnectInput) (EventStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resume == nil {
		return nil, errors.New("script transport has no resume script")
	}
	return newSliceStream(t.resume), nil
}

// Submits returns the submit inputs observed so far.
func (t *ScriptTransport) Submits() []SubmitInput {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SubmitInput(nil), t.submits...)
}

// ScriptedCompletion is a convenience script: start, one delta per chunk,
// finish.
func ScriptedCompletion(messageID string, chunks ...string) []events.Event {
	evs := []events.Event{{Type: events.TypeStart, MessageID: messageID}}
	for _, c := range chunks {
		evs = append(evs, events.Event{Type: events.TypeTextDelta, MessageID: messageID, Delta: c})
	}
	return append(evs, events.Event{Type: events.TypeFinish, MessageID: messageID, FinishReason: "stop"})
}
