// Package bridge keeps a long-lived, non-serializable chat controller in sync
// with serializable reactive cells. Each identity key defines an epoch: the
// bridge resolves deferred configuration, constructs transport and controller,
// subscribes the controller's three notification channels into cells, and
// guarantees subscription teardown when the epoch is superseded or the bridge
// is closed. Commands flow the other way through a method proxy that always
// targets the current epoch's controller.
package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatbridge/pkg/chatstate"
	"github.com/go-go-golems/chatbridge/pkg/deferred"
	"github.com/go-go-golems/chatbridge/pkg/engine"
	"github.com/go-go-golems/chatbridge/pkg/engine/streamengine"
	"github.com/go-go-golems/chatbridge/pkg/transport"
)

// Bridge owns at most one live controller at a time, held outside the
// reactive surface and reachable only through the proxy methods.
type Bridge struct {
	opts Options

	idCell       *Cell[string]
	messagesCell *Cell[[]chatstate.Message]
	statusCell   *Cell[chatstate.Status]
	errCell      *Cell[error]

	mu      sync.Mutex
	ep      *epoch
	key     string
	mounted bool
	closed  bool
}

// epoch bundles one controller with the subscriptions that must die with it.
type epoch struct {
	key    string
	ctrl   *engine.Controller
	unsubs []func()
}

func New(opts Options) *Bridge {
	return &Bridge{
		opts:         opts,
		idCell:       newCell(""),
		messagesCell: newCell[[]chatstate.Message](nil),
		statusCell:   newCell(chatstate.StatusReady),
		errCell:      newCell[error](nil),
	}
}

// IDCell mirrors the current epoch's chat identifier.
func (b *Bridge) IDCell() *Cell[string] { return b.idCell }

// MessagesCell mirrors the controller's message sequence.
func (b *Bridge) MessagesCell() *Cell[[]chatstate.Message] { return b.messagesCell }

// StatusCell mirrors the controller's status.
func (b *Bridge) StatusCell() *Cell[chatstate.Status] { return b.statusCell }

// ErrCell mirrors the controller's error channel.
func (b *Bridge) ErrCell() *Cell[error] { return b.errCell }

// Mount starts the first epoch from the configured chat key.
func (b *Bridge) Mount(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bridge is closed")
	}
	if b.mounted {
		b.mu.Unlock()
		return errors.New("bridge is already mounted")
	}
	b.mounted = true
	b.key = b.opts.ChatKey
	b.mu.Unlock()
	return b.startEpoch(ctx, b.opts.ChatKey)
}

// SetChatKey supersedes the current epoch when the key changes. Setting the
// current key is a no-op. The old epoch's subscriptions are deregistered
// strictly before the new epoch registers its own.
func (b *Bridge) SetChatKey(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bridge is closed")
	}
	if !b.mounted {
		b.mu.Unlock()
		return errors.New("bridge is not mounted")
	}
	if key == b.key {
		b.mu.Unlock()
		return nil
	}
	b.key = key
	b.teardownLocked()
	b.mu.Unlock()
	return b.startEpoch(ctx, key)
}

// Close tears the current epoch down; the proxy reverts to silent no-ops.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.teardownLocked()
}

func (b *Bridge) teardownLocked() {
	ep := b.ep
	b.ep = nil
	if ep == nil {
		return
	}
	for _, unsub := range ep.unsubs {
		unsub()
	}
	if err := ep.ctrl.Close(); err != nil {
		log.Warn().Err(err).Str("component", "bridge").Str("chat_id", ep.ctrl.ChatID()).Msg("engine close failed")
	}
	log.Debug().Str("component", "bridge").Str("chat_id", ep.ctrl.ChatID()).Msg("epoch torn down")
}

// resolveConfig resolves every deferred option concurrently; a single failure
// aborts the epoch.
func (b *Bridge) resolveConfig(ctx context.Context) (*resolvedConfig, error) {
	rc := &resolvedConfig{}
	g := deferred.NewGroup(ctx)
	deferred.Go(g, "id generator", b.opts.GenerateID, &rc.generateID)
	deferred.Go(g, "prepare submit hook", b.opts.PrepareSubmit, &rc.prepareSubmit)
	deferred.Go(g, "prepare reconnect hook", b.opts.PrepareReconnect, &rc.prepareReconnect)
	deferred.Go(g, "on-finish callback", b.opts.OnFinish, &rc.callbacks.OnFinish)
	deferred.Go(g, "on-error callback", b.opts.OnError, &rc.callbacks.OnError)
	deferred.Go(g, "on-data callback", b.opts.OnData, &rc.callbacks.OnData)
	deferred.Go(g, "on-tool-call callback", b.opts.OnToolCall, &rc.callbacks.OnToolCall)
	deferred.Go(g, "resubmit predicate", b.opts.ResubmitWhen, &rc.callbacks.ResubmitWhen)
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "chat configuration resolution failed")
	}
	if rc.generateID == nil {
		rc.generateID = uuid.NewString
	}
	rc.callbacks.GenerateID = rc.generateID
	return rc, nil
}

func (b *Bridge) buildTransport(rc *resolvedConfig) (transport.Transport, error) {
	topts := b.opts.Transport
	if rc.prepareSubmit != nil {
		topts.PrepareSubmit = rc.prepareSubmit
	}
	if rc.prepareReconnect != nil {
		topts.PrepareReconnect = rc.prepareReconnect
	}
	if b.opts.BuildTransport != nil {
		return b.opts.BuildTransport(topts)
	}
	return transport.NewHTTPTransport(topts, b.opts.HTTPClient)
}

func (b *Bridge) startEpoch(ctx context.Context, key string) error {
	rc, err := b.resolveConfig(ctx)
	if err != nil {
		return err
	}

	tr, err := b.buildTransport(rc)
	if err != nil {
		return errors.Wrap(err, "failed to build chat transport")
	}

	chatID := key
	if chatID == "" {
		chatID = rc.generateID()
	}

	state := chatstate.New(b.opts.InitialMessages)
	builder := b.opts.BuildEngine
	if builder == nil {
		builder = streamengine.Builder
	}
	eng, err := builder(ctx, &engine.BuildInput{
		ChatID:    chatID,
		State:     state,
		Transport: tr,
		Callbacks: rc.callbacks,
	})
	if err != nil {
		return errors.Wrap(err, "failed to construct chat engine")
	}
	ctrl := engine.NewController(chatID, eng, state)

	unsubs := []func(){
		ctrl.OnMessagesChange(func(msgs []chatstate.Message) { b.messagesCell.set(msgs) }, b.opts.Throttle),
		ctrl.OnStatusChange(func(st chatstate.Status) { b.statusCell.set(st) }, b.opts.Throttle),
		ctrl.OnErrChange(func(err error) { b.errCell.set(err) }, 0),
	}

	b.mu.Lock()
	if b.closed || b.key != key {
		// Superseded while constructing; do not publish.
		b.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		_ = ctrl.Close()
		return nil
	}
	b.ep = &epoch{key: key, ctrl: ctrl, unsubs: unsubs}
	// Seeded under the same lock that published the epoch, so a concurrent
	// supersession cannot interleave a superseded epoch's seeds after the
	// live epoch's.
	b.idCell.set(chatID)
	b.messagesCell.set(state.Messages())
	b.statusCell.set(state.Status())
	b.errCell.set(nil)
	b.mu.Unlock()

	log.Debug().Str("component", "bridge").Str("chat_id", chatID).Msg("epoch active")

	if b.opts.Resume {
		if err := ctrl.Engine().ResumeStream(ctx); err != nil {
			log.Warn().Err(err).Str("component", "bridge").Str("chat_id", chatID).Msg("resume stream failed")
		}
	}
	return nil
}

// currentController reads the live controller at call time so proxy
// capabilities track epoch transitions without re-creation.
func (b *Bridge) currentController() *engine.Controller {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ep == nil {
		return nil
	}
	return b.ep.ctrl
}
