package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromJSONRejectsUnknownType(t *testing.T) {
	_, err := NewEventFromJSON([]byte(`{"type":"bogus"}`))
	require.Error(t, err)

	_, err = NewEventFromJSON([]byte(`not json`))
	require.Error(t, err)
}

func TestSinkPublishesToChatTopic(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { _ = ps.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, err := ps.Subscribe(ctx, Topic("c1"))
	require.NoError(t, err)

	sink := NewSink(ps, "c1")
	require.NoError(t, sink.Publish(Event{Type: TypeTextDelta, MessageID: "m1", Delta: "hel"}))

	select {
	case msg := <-ch:
		e, err := NewEventFromJSON(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, TypeTextDelta, e.Type)
		require.Equal(t, "hel", e.Delta)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for published event")
	}
}
