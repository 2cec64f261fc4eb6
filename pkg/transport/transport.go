// Package transport abstracts how a chat engine talks to its backend: submit
// a message snapshot and receive a stream of decoded events, or reconnect to
// a stream that is already in flight.
package transport

import (
	"context"
	"io"

	"github.com/go-go-golems/chatbridge/pkg/chatstate"
	"github.com/go-go-golems/chatbridge/pkg/events"
)

// EventStream yields decoded events until io.EOF.
type EventStream interface {
	Next() (events.Event, error)
	Close() error
}

// SubmitInput carries the full message snapshot for one streaming run.
type SubmitInput struct {
	ChatID   string
	Messages []chatstate.Message
	Headers  map[string]string
	Body     map[string]any
}

// ReconnectInput identifies an existing stream to re-attach to.
type ReconnectInput struct {
	ChatID string
}

// Transport produces event streams for submissions and reconnects.
type Transport interface {
	SubmitMessages(ctx context.Context, in SubmitInput) (EventStream, error)
	Reconnect(ctx context.Context, in ReconnectInput) (EventStream, error)
}

// PrepareRequest is the mutable view a prepare hook gets before a request is
// sent. Hooks may rewrite any field.
type PrepareRequest struct {
	Endpoint string
	Headers  map[string]string
	Body     map[string]any
}

// PrepareHook rewrites an outgoing request.
type PrepareHook func(ctx context.Context, req *PrepareRequest) error

// Options configures the default HTTP transport.
type Options struct {
	Endpoint         string
	CredentialMode   string
	AuthHeader       string
	Headers          map[string]string
	Body             map[string]any
	PrepareSubmit    PrepareHook
	PrepareReconnect PrepareHook
}

// sliceStream serves a fixed event sequence; shared by the scripted transport
// and tests.
type sliceStream struct {
	evs []events.Event
	pos int
}

func newSliceStream(evs []events.Event) *sliceStream {
	return &sliceStream{evs: evs}
}

func (s *sliceStream) Next() (events.Event, error) {
	if s.pos >= len(s.evs) {
		return events.Event{}, io.EOF
	}
	e := s.evs[s.pos]
	s.pos++
	return e, nil
}

func (s *sliceStream) Close() error { return nil }
