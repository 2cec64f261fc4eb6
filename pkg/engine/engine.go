// Package engine defines the opaque controller boundary: the capability set a
// conversational engine must expose, the inputs an engine constructor
// receives, and the lifecycle adapter that composes an engine with its
// change-notification container.
package engine

import (
	"context"
	"strconv"

	"github.com/go-go-golems/chatbridge/pkg/chatstate"
	"github.com/go-go-golems/chatbridge/pkg/transport"
)

// SendOptions carries per-call request extras.
type SendOptions struct {
	Headers  map[string]string
	Body     map[string]any
	Metadata map[string]any
}

// ToolCall describes a tool invocation requested by the model mid-stream.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult settles a pending tool call.
type ToolResult struct {
	ToolCallID string
	Tool       string
	Output     map[string]any
}

// Engine is the capability set of a conversational engine. Streaming failures
// are reported through the state's error channel, not through the returned
// error; the returned error covers dispatch problems only.
type Engine interface {
	SendMessage(ctx context.Context, msg chatstate.Message, opts SendOptions) error
	Regenerate(ctx context.Context, opts SendOptions) error
	Stop(ctx context.Context) error
	ClearError(ctx context.Context) error
	ResumeStream(ctx context.Context) error
	AddToolResult(ctx context.Context, res ToolResult) error
}

// Callbacks are the resolved per-lifecycle-event hooks handed to an engine.
// Any field may be nil.
type Callbacks struct {
	OnFinish   func(msg chatstate.Message)
	OnError    func(err error)
	OnData     func(data map[string]any)
	OnToolCall func(tc ToolCall)

	// ResubmitWhen decides whether the engine re-submits automatically after
	// a finish or a settled tool result.
	ResubmitWhen func(msgs []chatstate.Message) bool

	// GenerateID produces message identifiers when the stream does not.
	GenerateID func() string
}

// BuildInput is everything an engine constructor receives.
type BuildInput struct {
	ChatID    string
	State     *chatstate.State
	Transport transport.Transport
	Callbacks Callbacks
}

// Builder constructs an engine for one epoch.
type Builder func(ctx context.Context, in *BuildInput) (Engine, error)

// InvalidOperationError reports a mutating capability name that the live
// controller does not recognize.
type InvalidOperationError struct {
	Op string
}

func (e *InvalidOperationError) Error() string {
	return "chat engine does not support operation " + strconv.Quote(e.Op)
}
