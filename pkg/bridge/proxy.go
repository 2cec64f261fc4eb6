package bridge

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatbridge/pkg/chatstate"
	"github.com/go-go-golems/chatbridge/pkg/engine"
)

// Operation names recognized by Call.
const (
	OpSendMessage   = "sendMessage"
	OpRegenerate    = "regenerate"
	OpStop          = "stop"
	OpClearError    = "clearError"
	OpResumeStream  = "resumeStream"
	OpAddToolResult = "addToolResult"
	OpSetMessages   = "setMessages"
)

// The proxy methods below are safe to invoke at any time: with no live
// controller they are silent no-ops; with one they delegate and propagate its
// result unchanged. The proxy itself holds no state, so it never needs to be
// rebuilt across epochs.

func (b *Bridge) SendMessage(ctx context.Context, msg chatstate.Message, opts engine.SendOptions) error {
	ctrl := b.currentController()
	if ctrl == nil {
		return nil
	}
	return ctrl.Engine().SendMessage(ctx, msg, opts)
}

func (b *Bridge) Regenerate(ctx context.Context, opts engine.SendOptions) error {
	ctrl := b.currentController()
	if ctrl == nil {
		return nil
	}
	return ctrl.Engine().Regenerate(ctx, opts)
}

func (b *Bridge) Stop(ctx context.Context) error {
	ctrl := b.currentController()
	if ctrl == nil {
		return nil
	}
	return ctrl.Engine().Stop(ctx)
}

func (b *Bridge) ClearError(ctx context.Context) error {
	ctrl := b.currentController()
	if ctrl == nil {
		return nil
	}
	return ctrl.Engine().ClearError(ctx)
}

func (b *Bridge) ResumeStream(ctx context.Context) error {
	ctrl := b.currentController()
	if ctrl == nil {
		return nil
	}
	return ctrl.Engine().ResumeStream(ctx)
}

func (b *Bridge) AddToolResult(ctx context.Context, res engine.ToolResult) error {
	ctrl := b.currentController()
	if ctrl == nil {
		return nil
	}
	return ctrl.Engine().AddToolResult(ctx, res)
}

// SetMessages replaces the controller's message sequence through the
// container, which notifies the messages channel as usual.
func (b *Bridge) SetMessages(msgs []chatstate.Message) {
	ctrl := b.currentController()
	if ctrl == nil {
		return
	}
	ctrl.SetMessages(msgs)
}

// Call dispatches a mutating capability by name. Unknown names fail with
// InvalidOperationError; argument type mismatches fail with a plain error.
func (b *Bridge) Call(ctx context.Context, op string, args ...any) error {
	ctrl := b.currentController()
	if ctrl == nil {
		return nil
	}
	switch op {
	case OpSendMessage:
		msg, ok := firstArg[chatstate.Message](args)
		if !ok {
			return errors.Errorf("%s expects a chatstate.Message argument", op)
		}
		return ctrl.Engine().SendMessage(ctx, msg, optionalArg[engine.SendOptions](args, 1))
	case OpRegenerate:
		return ctrl.Engine().Regenerate(ctx, optionalArg[engine.SendOptions](args, 0))
	case OpStop:
		return ctrl.Engine().Stop(ctx)
	case OpClearError:
		return ctrl.Engine().ClearError(ctx)
	case OpResumeStream:
		return ctrl.Engine().ResumeStream(ctx)
	case OpAddToolResult:
		res, ok := firstArg[engine.ToolResult](args)
		if !ok {
			return errors.Errorf("%s expects an engine.ToolResult argument", op)
		}
		return ctrl.Engine().AddToolResult(ctx, res)
	case OpSetMessages:
		msgs, ok := firstArg[[]chatstate.Message](args)
		if !ok {
			return errors.Errorf("%s expects a []chatstate.Message argument", op)
		}
		ctrl.SetMessages(msgs)
		return nil
	default:
		return &engine.InvalidOperationError{Op: op}
	}
}

func firstArg[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}

func optionalArg[T any](args []any, i int) T {
	var zero T
	if len(args) <= i {
		return zero
	}
	if v, ok := args[i].(T); ok {
		return v
	}
	return zero
}
