// Package eventbus implements the per-Job publish/subscribe mechanism
// described in spec.md §4.6: named events, synchronous dispatch in
// subscription order, and subscription tokens that can be used to
// unsubscribe mid-dispatch.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// Token identifies a single subscription, returned by On/Once and consumed
// by Unsubscribe.
type Token string

// Handler receives the data passed to Emit for the event it subscribed to.
type Handler func(data any)

type subscription struct {
	token   Token
	handler Handler
	once    bool
}

// Bus is a small synchronous pub/sub keyed by event name.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// On registers handler for every future Emit(name, ...) until unsubscribed.
func (b *Bus) On(name string, handler Handler) Token {
	return b.subscribe(name, handler, false)
}

// Once registers handler to fire at most once, then auto-unsubscribes.
func (b *Bus) Once(name string, handler Handler) Token {
	return b.subscribe(name, handler, true)
}

func (b *Bus) subscribe(name string, handler Handler, once bool) Token {
	token := Token(uuid.New().String())
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], subscription{token: token, handler: handler, once: once})
	return token
}

// Unsubscribe removes the subscription identified by token from name. It is
// safe to call from inside a handler, including to remove itself or another
// handler currently being dispatched.
func (b *Bus) Unsubscribe(name string, token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	for i, s := range subs {
		if s.token == token {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler currently subscribed to name, in subscription
// order, synchronously on the caller's goroutine. The handler set is
// snapshotted before dispatch so a handler mutating subscriptions mid-dispatch
// (unsubscribing itself or another) is well-defined: it affects only future
// Emit calls.
func (b *Bus) Emit(name string, data any) {
	b.mu.Lock()
	snapshot := append([]subscription(nil), b.subs[name]...)
	b.mu.Unlock()

	var onceTokens []Token
	for _, s := range snapshot {
		s.handler(data)
		if s.once {
			onceTokens = append(onceTokens, s.token)
		}
	}
	if len(onceTokens) == 0 {
		return
	}
	b.mu.Lock()
	for _, t := range onceTokens {
		subs := b.subs[name]
		for i, s := range subs {
			if s.token == t {
				b.subs[name] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
}
