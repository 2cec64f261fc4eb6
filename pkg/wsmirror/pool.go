package wsmirror

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is the write side of a websocket connection. *websocket.Conn satisfies
// it; tests substitute stubs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Pool tracks the websocket connections mirroring one bridge. It centralizes
// broadcasting and error handling so the mirror itself stays small.
type Pool struct {
	chatID string
	mu     sync.Mutex
	conns  map[Conn]struct{}
}

func NewPool(chatID string) *Pool {
	return &Pool{chatID: chatID, conns: map[Conn]struct{}{}}
}

func (p *Pool) Add(conn Conn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) Remove(conn Conn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	_ = conn.Close()
}

// Broadcast writes data to every connection. A connection whose write fails is
// dropped and closed.
func (p *Pool) Broadcast(data []byte) {
	if p == nil || len(data) == 0 {
		return
	}
	p.mu.Lock()
	for conn := range p.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "wsmirror").Str("chat_id", p.chatID).Msg("ws broadcast failed, dropping connection")
			delete(p.conns, conn)
			_ = conn.Close()
		}
	}
	p.mu.Unlock()
}

func (p *Pool) Count() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) CloseAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, conn)
	}
	p.mu.Unlock()
}
