// Package streamengine is the default conversational engine: it drives a
// transport, publishes decoded stream events onto an in-process watermill
// topic, and folds them into the chat's change-notification container from a
// single apply loop. Tool calls are surfaced through callbacks and settled
// results can trigger automatic resubmission.
package streamengine

import (
	"context"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatbridge/pkg/chatstate"
	"github.com/go-go-golems/chatbridge/pkg/engine"
	"github.com/go-go-golems/chatbridge/pkg/events"
	"github.com/go-go-golems/chatbridge/pkg/transport"
)

// ErrAlreadyStreaming is returned when a run is requested while one is in
// flight.
var ErrAlreadyStreaming = errors.New("chat engine is already streaming")

// Engine is the default streaming engine. At most one run is in flight at a
// time; the apply loop is the only writer of terminal status transitions, so
// status and message state always agree once a terminal event is folded.
type Engine struct {
	chatID string
	state  *chatstate.State
	tr     transport.Transport
	cb     engine.Callbacks

	pubsub *gochannel.GoChannel
	sink   *events.Sink

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	runID   string

	applyCancel context.CancelFunc
	applyDone   chan struct{}

	// accumulated assistant text for the current run; owned by the apply loop.
	accText string
}

// Builder adapts New to the engine.Builder signature.
func Builder(ctx context.Context, in *engine.BuildInput) (engine.Engine, error) {
	return New(ctx, in)
}

// New constructs the engine and starts its apply loop. The loop is owned by
// the engine (not the construction context) and runs until Close.
func New(_ context.Context, in *engine.BuildInput) (*Engine, error) {
	if in == nil || in.State == nil {
		return nil, errors.New("stream engine requires a state container")
	}
	if in.Transport == nil {
		return nil, errors.New("stream engine requires a transport")
	}
	cb := in.Callbacks
	if cb.GenerateID == nil {
		cb.GenerateID = uuid.NewString
	}
	chatID := in.ChatID
	if chatID == "" {
		chatID = cb.GenerateID()
	}

	// The apply loop folds events strictly in publish order; block each
	// publish until the previous message is acked so gochannel cannot
	// deliver out of order.
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	e := &Engine{
		chatID:    chatID,
		state:     in.State,
		tr:        in.Transport,
		cb:        cb,
		pubsub:    ps,
		sink:      events.NewSink(ps, chatID),
		applyDone: make(chan struct{}),
	}

	applyCtx, applyCancel := context.WithCancel(context.Background())
	e.applyCancel = applyCancel
	ch, err := ps.Subscribe(applyCtx, events.Topic(chatID))
	if err != nil {
		applyCancel()
		_ = ps.Close()
		return nil, errors.Wrap(err, "failed to subscribe apply loop")
	}
	go e.applyLoop(ch)

	return e, nil
}

// ChatID returns the engine-assigned chat identifier.
func (e *Engine) ChatID() string { return e.chatID }

func (e *Engine) SendMessage(ctx context.Context, msg chatstate.Message, opts engine.SendOptions) error {
	e.mu.Lock()
	busy := e.running
	e.mu.Unlock()
	if busy {
		return errors.WithStack(ErrAlreadyStreaming)
	}
	if msg.ID == "" {
		msg.ID = e.cb.GenerateID()
	}
	if msg.Role == "" {
		msg.Role = "user"
	}
	e.state.PushMessage(msg)
	return e.beginRun(e.submitOpener(opts))
}

func (e *Engine) Regenerate(ctx context.Context, opts engine.SendOptions) error {
	e.mu.Lock()
	busy := e.running
	e.mu.Unlock()
	if busy {
		return errors.WithStack(ErrAlreadyStreaming)
	}
	msgs := e.state.Messages()
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == "assistant" {
		e.state.PopMessage()
	}
	return e.beginRun(e.submitOpener(opts))
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = nil
	e.running = false
	e.runID = ""
	e.mu.Unlock()
	e.state.SetStatus(chatstate.StatusReady)
	return nil
}

func (e *Engine) ClearError(ctx context.Context) error {
	e.state.SetErr(nil)
	if e.state.Status() == chatstate.StatusError {
		e.state.SetStatus(chatstate.StatusReady)
	}
	return nil
}

func (e *Engine) ResumeStream(ctx context.Context) error {
	return e.beginRun(func(runCtx context.Context) (transport.EventStream, error) {
		return e.tr.Reconnect(runCtx, transport.ReconnectInput{ChatID: e.chatID})
	})
}

func (e *Engine) AddToolResult(ctx context.Context, res engine.ToolResult) error {
	msgs := e.state.Messages()
	idx, partIdx := findToolCall(msgs, res.ToolCallID)
	if idx < 0 {
		return errors.Errorf("no pending tool call %q", res.ToolCallID)
	}
	updated := msgs[idx].Clone()
	updated.Parts[partIdx].Output = res.Output
	e.state.ReplaceMessage(idx, updated)

	e.mu.Lock()
	busy := e.running
	e.mu.Unlock()
	if busy || e.cb.ResubmitWhen == nil {
		return nil
	}
	current := e.state.Messages()
	if !toolCallsSettled(current[len(current)-1]) || !e.cb.ResubmitWhen(current) {
		return nil
	}
	return e.beginRun(e.submitOpener(engine.SendOptions{}))
}

// Close stops any in-flight run and shuts down the apply loop.
func (e *Engine) Close() error {
	_ = e.Stop(context.Background())
	e.applyCancel()
	err := e.pubsub.Close()
	<-e.applyDone
	return err
}

func (e *Engine) submitOpener(opts engine.SendOptions) func(context.Context) (transport.EventStream, error) {
	return func(runCtx context.Context) (transport.EventStream, error) {
		return e.tr.SubmitMessages(runCtx, transport.SubmitInput{
			ChatID:   e.chatID,
			Messages: e.state.Messages(),
			Headers:  opts.Headers,
			Body:     opts.Body,
		})
	}
}

// beginRun starts one streaming run. The run goroutine only moves events from
// the transport to the topic; terminal bookkeeping happens in the apply loop
// (finish/error) or in Stop.
func (e *Engine) beginRun(open func(context.Context) (transport.EventStream, error)) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.WithStack(ErrAlreadyStreaming)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	runID := uuid.NewString()
	e.running = true
	e.cancel = cancel
	e.runID = runID
	e.mu.Unlock()

	e.state.SetErr(nil)
	e.state.SetStatus(chatstate.StatusStreaming)

	go e.run(runCtx, runID, open)
	return nil
}

func (e *Engine) run(ctx context.Context, runID string, open func(context.Context) (transport.EventStream, error)) {
	runLog := log.With().Str("component", "streamengine").Str("chat_id", e.chatID).Str("run_id", runID).Logger()

	stream, err := open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			runLog.Debug().Msg("run canceled before stream opened")
			return
		}
		runLog.Warn().Err(err).Msg("failed to open stream")
		e.emit(events.Event{Type: events.TypeError, ErrorText: err.Error()}, runID)
		return
	}
	defer func() { _ = stream.Close() }()

	sawTerminal := false
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				runLog.Debug().Msg("run canceled")
				return
			}
			runLog.Warn().Err(err).Msg("stream read failed")
			e.emit(events.Event{Type: events.TypeError, ErrorText: err.Error()}, runID)
			return
		}
		if ev.Type == events.TypeFinish || ev.Type == events.TypeError {
			sawTerminal = true
		}
		e.emit(ev, runID)
	}
	if !sawTerminal && ctx.Err() == nil {
		// A clean EOF without a terminal event still ends the run.
		e.emit(events.Event{Type: events.TypeFinish, FinishReason: "stop"}, runID)
	}
}

func (e *Engine) emit(ev events.Event, runID string) {
	if err := e.sink.PublishForRun(ev, runID); err != nil {
		log.Warn().Err(err).Str("component", "streamengine").Str("chat_id", e.chatID).Msg("failed to publish event")
	}
}

func (e *Engine) applyLoop(ch <-chan *message.Message) {
	defer close(e.applyDone)
	for msg := range ch {
		ev, err := events.NewEventFromJSON(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "streamengine").Str("chat_id", e.chatID).Msg("dropping undecodable event")
			msg.Ack()
			continue
		}
		runID := msg.Metadata.Get(events.MetadataRunID)
		e.mu.Lock()
		current := e.runID
		e.mu.Unlock()
		if runID != "" && runID != current {
			// Stale event from a superseded run.
			msg.Ack()
			continue
		}
		e.apply(ev)
		msg.Ack()
	}
}

func (e *Engine) apply(ev events.Event) {
	switch ev.Type {
	case events.TypeStart:
		id := ev.MessageID
		if id == "" {
			id = e.cb.GenerateID()
		}
		e.accText = ""
		e.state.PushMessage(chatstate.Message{ID: id, Role: "assistant"})

	case events.TypeTextDelta:
		e.accText += ev.Delta
		msgs := e.state.Messages()
		if len(msgs) == 0 {
			return
		}
		idx := len(msgs) - 1
		e.state.ReplaceMessage(idx, withText(msgs[idx], e.accText))

	case events.TypeToolCall:
		msgs := e.state.Messages()
		if len(msgs) > 0 {
			idx := len(msgs) - 1
			updated := msgs[idx].Clone()
			updated.Parts = append(updated.Parts, chatstate.Part{
				Type:       chatstate.PartToolCall,
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
				Input:      ev.Input,
			})
			e.state.ReplaceMessage(idx, updated)
		}
		if e.cb.OnToolCall != nil {
			e.cb.OnToolCall(engine.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName, Input: ev.Input})
		}

	case events.TypeData:
		if e.cb.OnData != nil {
			e.cb.OnData(ev.Data)
		}

	case events.TypeFinish:
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		e.state.SetStatus(chatstate.StatusReady)
		msgs := e.state.Messages()
		if e.cb.OnFinish != nil && len(msgs) > 0 {
			e.cb.OnFinish(msgs[len(msgs)-1])
		}
		if e.cb.ResubmitWhen != nil && e.cb.ResubmitWhen(msgs) {
			if err := e.beginRun(e.submitOpener(engine.SendOptions{})); err != nil {
				log.Warn().Err(err).Str("component", "streamengine").Str("chat_id", e.chatID).Msg("auto resubmit failed")
			}
		}

	case events.TypeError:
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		err := errors.New(ev.ErrorText)
		e.state.SetErr(err)
		e.state.SetStatus(chatstate.StatusError)
		if e.cb.OnError != nil {
			e.cb.OnError(err)
		}
	}
}

// withText replaces the message's text part content, appending a text part if
// none exists yet.
func withText(m chatstate.Message, text string) chatstate.Message {
	out := m.Clone()
	for i, p := range out.Parts {
		if p.Type == chatstate.PartText {
			out.Parts[i].Text = text
			return out
		}
	}
	out.Parts = append(out.Parts, chatstate.Part{Type: chatstate.PartText, Text: text})
	return out
}

func findToolCall(msgs []chatstate.Message, toolCallID string) (msgIdx, partIdx int) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "assistant" {
			continue
		}
		for j, p := range msgs[i].Parts {
			if p.Type != chatstate.PartToolCall {
				continue
			}
			if p.ToolCallID == toolCallID && p.Output == nil {
				return i, j
			}
		}
	}
	return -1, -1
}

func toolCallsSettled(m chatstate.Message) bool {
	for _, p := range m.Parts {
		if p.Type == chatstate.PartToolCall && p.Output == nil {
			return false
		}
	}
	return true
}
