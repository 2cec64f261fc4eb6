// Package chatstate holds the authoritative copy of a chat's messages, status
// and error, and notifies per-channel subscribers of changes. Message state is
// copy-on-write at every mutation boundary: no caller ever holds a slice that
// a later mutation changes in place.
package chatstate

import (
	"sync"
	"time"
)

// subscriber delivers change notifications for one channel, either directly
// or through a trailing-edge throttler.
type subscriber[T any] struct {
	fn func(T)
	th *throttler
}

// notify invokes the subscriber. load re-reads current state so a throttled
// delivery observes the value at fire time, not at trigger time.
func (s *subscriber[T]) notify(load func() T) {
	if s.th != nil {
		s.th.trigger()
		return
	}
	s.fn(load())
}

func (s *subscriber[T]) cancel() {
	if s.th != nil {
		s.th.stop()
	}
}

// State is the change-notification container for one chat.
type State struct {
	mu       sync.Mutex
	messages []Message
	status   Status
	err      error

	msgSubs    []*subscriber[[]Message]
	statusSubs []*subscriber[Status]
	errSubs    []*subscriber[error]
}

// New returns a container seeded with the given messages (copied) and status
// ready.
func New(initial []Message) *State {
	s := &State{status: StatusReady}
	if len(initial) > 0 {
		s.messages = copyMessages(initial)
	}
	return s
}

func copyMessages(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}

// Messages returns a defensive copy of the current message sequence.
func (s *State) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMessages(s.messages)
}

// SetMessages replaces the entire sequence with a copy and notifies.
func (s *State) SetMessages(msgs []Message) {
	s.mu.Lock()
	s.messages = copyMessages(msgs)
	subs := s.msgSubsLocked()
	s.mu.Unlock()
	s.notifyMessages(subs)
}

// PushMessage appends by producing a new sequence, then notifies.
func (s *State) PushMessage(m Message) {
	s.mu.Lock()
	next := make([]Message, 0, len(s.messages)+1)
	next = append(next, s.messages...)
	next = append(next, m)
	s.messages = next
	subs := s.msgSubsLocked()
	s.mu.Unlock()
	s.notifyMessages(subs)
}

// PopMessage removes the last element by producing a new sequence, then
// notifies. Popping an empty sequence is a silent no-op: no mutation, no
// notification.
func (s *State) PopMessage() {
	s.mu.Lock()
	if len(s.messages) == 0 {
		s.mu.Unlock()
		return
	}
	s.messages = copyMessages(s.messages[:len(s.messages)-1])
	subs := s.msgSubsLocked()
	s.mu.Unlock()
	s.notifyMessages(subs)
}

// ReplaceMessage deep-copies m, splices it into a new sequence at index i,
// then notifies. The index must be in range; this is a precondition, not a
// runtime check.
func (s *State) ReplaceMessage(i int, m Message) {
	s.mu.Lock()
	next := copyMessages(s.messages)
	next[i] = m.Clone()
	s.messages = next
	subs := s.msgSubsLocked()
	s.mu.Unlock()
	s.notifyMessages(subs)
}

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus replaces the status and notifies. Status and error are
// independently authoritative: setting one never touches the other.
func (s *State) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	subs := append([]*subscriber[Status](nil), s.statusSubs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.notify(s.Status)
	}
}

// Err returns the current error, if any.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetErr replaces the error and notifies.
func (s *State) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	subs := append([]*subscriber[error](nil), s.errSubs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.notify(s.Err)
	}
}

func (s *State) msgSubsLocked() []*subscriber[[]Message] {
	return append([]*subscriber[[]Message](nil), s.msgSubs...)
}

func (s *State) notifyMessages(subs []*subscriber[[]Message]) {
	for _, sub := range subs {
		sub.notify(s.Messages)
	}
}

// OnMessagesChange registers a messages subscriber and returns its
// deregistration function. A positive throttle window makes delivery
// trailing-edge coalesced: at most one call per window, always carrying the
// latest sequence. Deregistration neutralizes any pending throttled delivery.
func (s *State) OnMessagesChange(fn func([]Message), throttle time.Duration) func() {
	sub := &subscriber[[]Message]{fn: fn}
	if throttle > 0 {
		sub.th = newThrottler(throttle, func() { fn(s.Messages()) })
	}
	s.mu.Lock()
	s.msgSubs = append(s.msgSubs, sub)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.msgSubs = removeSub(s.msgSubs, sub)
		s.mu.Unlock()
		sub.cancel()
	}
}

// OnStatusChange registers a status subscriber, optionally throttled.
func (s *State) OnStatusChange(fn func(Status), throttle time.Duration) func() {
	sub := &subscriber[Status]{fn: fn}
	if throttle > 0 {
		sub.th = newThrottler(throttle, func() { fn(s.Status()) })
	}
	s.mu.Lock()
	s.statusSubs = append(s.statusSubs, sub)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.statusSubs = removeSub(s.statusSubs, sub)
		s.mu.Unlock()
		sub.cancel()
	}
}

// OnErrChange registers an error subscriber, optionally throttled.
func (s *State) OnErrChange(fn func(error), throttle time.Duration) func() {
	sub := &subscriber[error]{fn: fn}
	if throttle > 0 {
		sub.th = newThrottler(throttle, func() { fn(s.Err()) })
	}
	s.mu.Lock()
	s.errSubs = append(s.errSubs, sub)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.errSubs = removeSub(s.errSubs, sub)
		s.mu.Unlock()
		sub.cancel()
	}
}

func removeSub[T any](subs []*subscriber[T], target *subscriber[T]) []*subscriber[T] {
	out := subs[:0]
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}
