package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/chatbridge/pkg/chatstate"
	"github.com/go-go-golems/chatbridge/pkg/deferred"
	"github.com/go-go-golems/chatbridge/pkg/engine"
	"github.com/go-go-golems/chatbridge/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubEngine records every capability invocation and mutates the shared
// container the way a real engine would.
type stubEngine struct {
	chatID string
	state  *chatstate.State

	mu     sync.Mutex
	calls  []string
	closed bool
}

func (s *stubEngine) record(op string) {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	s.mu.Unlock()
}

func (s *stubEngine) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubEngine) SendMessage(_ context.Context, msg chatstate.Message, _ engine.SendOptions) error {
	s.record(OpSendMessage)
	s.state.PushMessage(msg)
	s.state.SetStatus(chatstate.StatusStreaming)
	return nil
}

func (s *stubEngine) Regenerate(context.Context, engine.SendOptions) error {
	s.record(OpRegenerate)
	return nil
}

func (s *stubEngine) Stop(context.Context) error {
	s.record(OpStop)
	s.state.SetStatus(chatstate.StatusReady)
	return nil
}

func (s *stubEngine) ClearError(context.Context) error {
	s.record(OpClearError)
	s.state.SetErr(nil)
	s.state.SetStatus(chatstate.StatusReady)
	return nil
}

func (s *stubEngine) ResumeStream(context.Context) error {
	s.record(OpResumeStream)
	return nil
}

func (s *stubEngine) AddToolResult(context.Context, engine.ToolResult) error {
	s.record(OpAddToolResult)
	return nil
}

func (s *stubEngine) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// stubFactory builds one stubEngine per epoch and keeps them all for
// inspection.
type stubFactory struct {
	mu      sync.Mutex
	engines []*stubEngine
}

func (f *stubFactory) build(_ context.Context, in *engine.BuildInput) (engine.Engine, error) {
	e := &stubEngine{chatID: in.ChatID, state: in.State}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

func (f *stubFactory) engine(i int) *stubEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func stubTransport(transport.Options) (transport.Transport, error) {
	return transport.NewScriptTransport(), nil
}

func newTestBridge(opts Options, f *stubFactory) *Bridge {
	opts.BuildEngine = f.build
	if opts.BuildTransport == nil {
		opts.BuildTransport = stubTransport
	}
	return New(opts)
}

func TestProxyIsSilentNoOpBeforeMount(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{ChatKey: "k1"}, f)

	require.NoError(t, b.SendMessage(context.Background(), chatstate.NewTextMessage("m1", "user", "hi"), engine.SendOptions{}))
	require.NoError(t, b.Stop(context.Background()))
	require.NoError(t, b.Call(context.Background(), "definitely-not-an-op"))

	require.Zero(t, f.count(), "no controller must be constructed or invoked")
}

func TestMountActivatesEpoch(t *testing.T) {
	f := &stubFactory{}
	initial := []chatstate.Message{chatstate.NewTextMessage("m0", "user", "earlier")}
	b := newTestBridge(Options{ChatKey: "k1", InitialMessages: initial}, f)

	require.NoError(t, b.Mount(context.Background()))
	defer b.Close()

	require.Equal(t, "k1", b.IDCell().Load())
	require.Equal(t, chatstate.StatusReady, b.StatusCell().Load())
	require.Len(t, b.MessagesCell().Load(), 1)

	require.NoError(t, b.SendMessage(context.Background(), chatstate.NewTextMessage("m1", "user", "hi"), engine.SendOptions{}))
	require.Equal(t, []string{OpSendMessage}, f.engine(0).Calls())

	// The engine's container mutation propagated into the cells.
	require.Len(t, b.MessagesCell().Load(), 2)
	require.Equal(t, chatstate.StatusStreaming, b.StatusCell().Load())

	require.Error(t, b.Mount(context.Background()), "second mount must fail")
}

func TestMountGeneratesIDWhenKeyEmpty(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{
		GenerateID: deferred.Value(func() string { return "generated-id" }),
	}, f)

	require.NoError(t, b.Mount(context.Background()))
	defer b.Close()

	require.Equal(t, "generated-id", b.IDCell().Load())
}

func TestConfigurationResolutionFailureAbortsEpoch(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{
		ChatKey: "k1",
		GenerateID: func(context.Context) (func() string, error) {
			return nil, errors.New("resolver unavailable")
		},
	}, f)

	err := b.Mount(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "configuration resolution failed")

	// No controller was published; the proxy keeps treating the epoch as
	// uncontrolled.
	require.Zero(t, f.count())
	require.NoError(t, b.SendMessage(context.Background(), chatstate.NewTextMessage("m1", "user", "hi"), engine.SendOptions{}))
	require.Empty(t, b.IDCell().Load())
}

func TestKeyChangeSupersedesEpoch(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{
		ChatKey:         "k1",
		InitialMessages: []chatstate.Message{chatstate.NewTextMessage("m0", "user", "k1 seed")},
	}, f)

	require.NoError(t, b.Mount(context.Background()))
	defer b.Close()

	// Two live subscriptions feed the cells during epoch k1.
	require.NoError(t, b.SendMessage(context.Background(), chatstate.NewTextMessage("m1", "user", "hi"), engine.SendOptions{}))
	require.Len(t, b.MessagesCell().Load(), 2)

	oldState := f.engine(0).state

	require.NoError(t, b.SetChatKey(context.Background(), "k2"))
	require.Equal(t, 2, f.count())
	require.Equal(t, "k2", b.IDCell().Load())

	// The mirror reset to the new epoch's initial sequence.
	require.Len(t, b.MessagesCell().Load(), 1)
	require.Equal(t, "k1 seed", b.MessagesCell().Load()[0].Text())

	// Epoch k1's subscriptions are gone: mutating its container no longer
	// reaches the cells.
	oldState.PushMessage(chatstate.NewTextMessage("stale", "user", "stale"))
	oldState.SetStatus(chatstate.StatusError)
	require.Len(t, b.MessagesCell().Load(), 1)
	require.Equal(t, chatstate.StatusReady, b.StatusCell().Load())

	// The old engine was closed with its epoch.
	f.engine(0).mu.Lock()
	closed := f.engine(0).closed
	f.engine(0).mu.Unlock()
	require.True(t, closed)

	// Proxy capabilities track the new controller without re-creation.
	require.NoError(t, b.Regenerate(context.Background(), engine.SendOptions{}))
	require.Empty(t, f.engine(0).Calls()[1:], "old engine must receive nothing after supersession")
	require.Equal(t, []string{OpRegenerate}, f.engine(1).Calls())
}

func TestDeregistrationPrecedesNewRegistration(t *testing.T) {
	f := &stubFactory{}
	var k1State *chatstate.State
	b := New(Options{
		ChatKey:        "k1",
		BuildTransport: stubTransport,
		BuildEngine: func(ctx context.Context, in *engine.BuildInput) (engine.Engine, error) {
			if in.ChatID == "k1" {
				k1State = in.State
			}
			return f.build(ctx, in)
		},
	})

	require.NoError(t, b.Mount(context.Background()))
	defer b.Close()

	probe := 0
	unwatch := b.MessagesCell().Watch(func([]chatstate.Message) { probe++ })
	defer unwatch()

	// Swap in a builder that pokes epoch k1's container during epoch k2's
	// construction. Since teardown is ordered strictly before construction,
	// the poke must not reach the cells.
	b.opts.BuildEngine = func(ctx context.Context, in *engine.BuildInput) (engine.Engine, error) {
		probe = 0
		k1State.PushMessage(chatstate.NewTextMessage("leak", "user", "leak"))
		require.Zero(t, probe, "old epoch's subscription fired during new epoch construction")
		return f.build(ctx, in)
	}

	require.NoError(t, b.SetChatKey(context.Background(), "k2"))
}

func TestSameKeyIsNoOp(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{ChatKey: "k1"}, f)
	require.NoError(t, b.Mount(context.Background()))
	defer b.Close()

	require.NoError(t, b.SetChatKey(context.Background(), "k1"))
	require.Equal(t, 1, f.count(), "same key must not start a new epoch")
}

func TestResumeFlagInvokesResumeStream(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{ChatKey: "k1", Resume: true}, f)
	require.NoError(t, b.Mount(context.Background()))
	defer b.Close()

	require.Equal(t, []string{OpResumeStream}, f.engine(0).Calls())
}

func TestCloseRevertsProxyToNoOp(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{ChatKey: "k1"}, f)
	require.NoError(t, b.Mount(context.Background()))
	b.Close()

	require.NoError(t, b.SendMessage(context.Background(), chatstate.NewTextMessage("m1", "user", "hi"), engine.SendOptions{}))
	require.Empty(t, f.engine(0).Calls())

	require.Error(t, b.SetChatKey(context.Background(), "k2"), "closed bridge must reject new epochs")
}

func TestConcurrentKeyChangesLeaveCellsOnLiveEpoch(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{ChatKey: "k0"}, f)
	require.NoError(t, b.Mount(context.Background()))
	defer b.Close()

	var wg sync.WaitGroup
	for _, prefix := range []string{"a", "b"} {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := b.SetChatKey(context.Background(), fmt.Sprintf("%s-%d", prefix, i)); err != nil {
					t.Error(err)
					return
				}
			}
		}(prefix)
	}
	wg.Wait()

	// Whatever epoch won, its seeds must not have been clobbered by a
	// superseded epoch's.
	ctrl := b.currentController()
	require.NotNil(t, ctrl)
	require.Equal(t, ctrl.ChatID(), b.IDCell().Load())
}

func TestThrottledCellsCoalesceBursts(t *testing.T) {
	f := &stubFactory{}
	b := newTestBridge(Options{ChatKey: "k1", Throttle: 50 * time.Millisecond}, f)
	require.NoError(t, b.Mount(context.Background()))
	defer b.Close()

	var mu sync.Mutex
	updates := 0
	unwatch := b.MessagesCell().Watch(func([]chatstate.Message) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	defer unwatch()

	state := f.engine(0).state
	state.PushMessage(chatstate.NewTextMessage("m1", "assistant", "a"))
	state.ReplaceMessage(0, chatstate.NewTextMessage("m1", "assistant", "ab"))
	state.ReplaceMessage(0, chatstate.NewTextMessage("m1", "assistant", "abc"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "abc", b.MessagesCell().Load()[0].Text(),
		"coalesced delivery must carry the final state")

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, updates)
}
