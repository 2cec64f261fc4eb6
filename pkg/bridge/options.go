package bridge

import (
	"net/http"
	"time"

	"github.com/go-go-golems/chatbridge/pkg/chatstate"
	"github.com/go-go-golems/chatbridge/pkg/deferred"
	"github.com/go-go-golems/chatbridge/pkg/engine"
	"github.com/go-go-golems/chatbridge/pkg/transport"
)

// Options is the inbound construction contract for a bridge. Deferred fields
// are resolved concurrently at each epoch start; construction only proceeds
// when every resolution succeeded.
type Options struct {
	// ChatKey is the identity key of the initial epoch. Empty means the
	// resolved id generator assigns one.
	ChatKey string

	// InitialMessages seeds each epoch's container.
	InitialMessages []chatstate.Message

	// GenerateID yields the message/chat id generator. Defaults to uuids.
	GenerateID deferred.Ref[func() string]

	// Transport carries the static transport configuration; the prepare hooks
	// below override its hook fields once resolved.
	Transport        transport.Options
	PrepareSubmit    deferred.Ref[transport.PrepareHook]
	PrepareReconnect deferred.Ref[transport.PrepareHook]

	// Per-lifecycle-event callbacks.
	OnFinish     deferred.Ref[func(chatstate.Message)]
	OnError      deferred.Ref[func(error)]
	OnData       deferred.Ref[func(map[string]any)]
	OnToolCall   deferred.Ref[func(engine.ToolCall)]
	ResubmitWhen deferred.Ref[func([]chatstate.Message) bool]

	// Throttle rate-limits message and status cell updates (trailing-edge).
	// Zero delivers synchronously.
	Throttle time.Duration

	// Resume re-attaches to an in-flight stream right after construction.
	Resume bool

	// BuildEngine overrides the default streaming engine, e.g. with a stub.
	BuildEngine engine.Builder

	// BuildTransport overrides the default HTTP transport construction.
	BuildTransport func(opts transport.Options) (transport.Transport, error)

	// HTTPClient is used by the default transport when set.
	HTTPClient *http.Client
}

// resolvedConfig holds the outcome of one epoch's deferred resolution.
type resolvedConfig struct {
	generateID       func() string
	prepareSubmit    transport.PrepareHook
	prepareReconnect transport.PrepareHook
	callbacks        engine.Callbacks
}
