package engine

import (
	"time"

	"github.com/go-go-golems/chatbridge/pkg/chatstate"
)

// Controller composes an engine with its change-notification container so the
// rest of the system sees a single capability surface. It is created once per
// epoch and holds no state beyond what the container holds; message, status
// and error access all route through the container.
type Controller struct {
	chatID string
	eng    Engine
	state  *chatstate.State
}

func NewController(chatID string, eng Engine, state *chatstate.State) *Controller {
	return &Controller{chatID: chatID, eng: eng, state: state}
}

// ChatID returns the identifier assigned for this epoch.
func (c *Controller) ChatID() string { return c.chatID }

// Engine exposes the wrapped engine for command dispatch.
func (c *Controller) Engine() Engine { return c.eng }

// State exposes the container; engines constructed elsewhere share it.
func (c *Controller) State() *chatstate.State { return c.state }

func (c *Controller) Messages() []chatstate.Message     { return c.state.Messages() }
func (c *Controller) SetMessages(m []chatstate.Message) { c.state.SetMessages(m) }
func (c *Controller) Status() chatstate.Status          { return c.state.Status() }
func (c *Controller) Err() error                        { return c.state.Err() }

func (c *Controller) OnMessagesChange(fn func([]chatstate.Message), throttle time.Duration) func() {
	return c.state.OnMessagesChange(fn, throttle)
}

func (c *Controller) OnStatusChange(fn func(chatstate.Status), throttle time.Duration) func() {
	return c.state.OnStatusChange(fn, throttle)
}

func (c *Controller) OnErrChange(fn func(error), throttle time.Duration) func() {
	return c.state.OnErrChange(fn, throttle)
}

// Close shuts the engine down when it owns background resources.
func (c *Controller) Close() error {
	if closer, ok := c.eng.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
