// Package inflight tracks the message currently being handled for each
// conversation so that slow oracle work can tell when it has been
// superseded.
package inflight

import (
	"errors"
	"sync"
)

var ErrStale = errors.New("request superseded")

// Guard reports whether the work it was issued for may still commit.
type Guard interface {
	Live() bool
}

// Check returns ErrStale when g is no longer live. A nil guard is live.
func Check(g Guard) error {
	if g != nil && !g.Live() {
		return ErrStale
	}
	return nil
}

type Registry struct {
	mu      sync.Mutex
	current map[string]*Token
}

func NewRegistry() *Registry {
	return &Registry{current: make(map[string]*Token)}
}

// Token is the Guard for one conversation + message pair.
type Token struct {
	r              *Registry
	ConversationID string
	MessageID      string
}

// Begin registers messageID as the latest work on conversationID. Any token
// previously issued for the conversation stops being live.
func (r *Registry) Begin(conversationID, messageID string) *Token {
	t := &Token{r: r, ConversationID: conversationID, MessageID: messageID}
	r.mu.Lock()
	r.current[conversationID] = t
	r.mu.Unlock()
	return t
}

// Close invalidates whatever is in flight for conversationID.
func (r *Registry) Close(conversationID string) {
	r.mu.Lock()
	delete(r.current, conversationID)
	r.mu.Unlock()
}

// Active returns the number of conversations with work in flight.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.current)
}

func (t *Token) Live() bool {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return t.r.current[t.ConversationID] == t
}

// Done releases the token. It is a no-op once superseded.
func (t *Token) Done() {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.r.current[t.ConversationID] == t {
		delete(t.r.current, t.ConversationID)
	}
}
