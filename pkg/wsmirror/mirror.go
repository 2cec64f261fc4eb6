// Package wsmirror pushes a bridge's reactive cells to websocket clients.
// Each cell write is framed as a JSON envelope naming the cell, so a thin
// client can fold frames into its own view state without polling.
package wsmirror

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatbridge/pkg/bridge"
	"github.com/go-go-golems/chatbridge/pkg/chatstate"
)

// Envelope is one mirrored cell write on the wire.
type Envelope struct {
	Cell string `json:"cell"`
	Data any    `json:"data"`
}

// Cell names used in envelopes.
const (
	CellID       = "id"
	CellMessages = "messages"
	CellStatus   = "status"
	CellError    = "error"
)

// Mirror forwards every cell write of a bridge to a pool until detached.
type Mirror struct {
	pool    *Pool
	cancels []func()
}

// Attach subscribes to the bridge's cells and broadcasts each write. Detach
// cancels the subscriptions; the pool's connections stay open.
func Attach(b *bridge.Bridge, pool *Pool) *Mirror {
	m := &Mirror{pool: pool}
	m.cancels = []func(){
		b.IDCell().Watch(func(id string) { m.send(CellID, id) }),
		b.MessagesCell().Watch(func(msgs []chatstate.Message) { m.send(CellMessages, msgs) }),
		b.StatusCell().Watch(func(st chatstate.Status) { m.send(CellStatus, st) }),
		b.ErrCell().Watch(func(err error) { m.send(CellError, errText(err)) }),
	}
	return m
}

func (m *Mirror) Detach() {
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
}

func (m *Mirror) send(cell string, data any) {
	payload, err := json.Marshal(Envelope{Cell: cell, Data: data})
	if err != nil {
		log.Warn().Err(err).Str("component", "wsmirror").Str("cell", cell).Msg("failed to marshal cell envelope")
		return
	}
	m.pool.Broadcast(payload)
}

func errText(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

// Handler upgrades incoming requests and joins them to the pool. Newly joined
// clients receive a snapshot of every cell so they never start from a blank
// view. The read loop only watches for the peer closing.
func Handler(b *bridge.Bridge, pool *Pool) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		pool.Add(conn)
		if err := writeSnapshot(b, conn); err != nil {
			log.Warn().Err(err).Str("component", "wsmirror").Msg("ws snapshot failed, dropping connection")
			pool.Remove(conn)
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					pool.Remove(conn)
					return
				}
			}
		}()
	}
}

func writeSnapshot(b *bridge.Bridge, conn Conn) error {
	frames := []Envelope{
		{Cell: CellID, Data: b.IDCell().Load()},
		{Cell: CellMessages, Data: b.MessagesCell().Load()},
		{Cell: CellStatus, Data: b.StatusCell().Load()},
		{Cell: CellError, Data: errText(b.ErrCell().Load())},
	}
	for _, frame := range frames {
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
	return nil
}
