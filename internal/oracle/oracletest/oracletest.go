// Package oracletest provides a scripted oracle for tests.
package oracletest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/mpataki/crew/internal/oracle"
)

var ErrExhausted = errors.New("oracletest: no scripted response")

type response struct {
	content string
	err     error
}

type rule struct {
	match func(prompt string) bool
	resp  response
}

// Oracle answers from matching rules first, then from a FIFO queue. Every
// call is recorded. Safe for concurrent use.
type Oracle struct {
	mu    sync.Mutex
	rules []rule
	queue []response
	calls []string

	// Hold, when set, blocks every call until it is closed or ctx is done.
	Hold chan struct{}
}

func New() *Oracle {
	return &Oracle{}
}

// Enqueue appends responses answered in order.
func (o *Oracle) Enqueue(contents ...string) *Oracle {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range contents {
		o.queue = append(o.queue, response{content: c})
	}
	return o
}

func (o *Oracle) EnqueueError(err error) *Oracle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, response{err: err})
	return o
}

// When answers content to every prompt containing all of substrs.
func (o *Oracle) When(content string, substrs ...string) *Oracle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules = append(o.rules, rule{
		match: func(prompt string) bool {
			for _, s := range substrs {
				if !strings.Contains(prompt, s) {
					return false
				}
			}
			return true
		},
		resp: response{content: content},
	})
	return o
}

func (o *Oracle) Complete(ctx context.Context, messages []oracle.Message) (oracle.Completion, error) {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	prompt := strings.Join(parts, "\n")

	o.mu.Lock()
	o.calls = append(o.calls, prompt)
	hold := o.Hold
	resp, ok := o.next(prompt)
	o.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return oracle.Completion{}, ctx.Err()
		}
	}

	if !ok {
		return oracle.Completion{}, ErrExhausted
	}
	if resp.err != nil {
		return oracle.Completion{}, resp.err
	}
	return oracle.Completion{Content: resp.content}, nil
}

func (o *Oracle) next(prompt string) (response, bool) {
	for _, r := range o.rules {
		if r.match(prompt) {
			return r.resp, true
		}
	}
	if len(o.queue) == 0 {
		return response{}, false
	}
	resp := o.queue[0]
	o.queue = o.queue[1:]
	return resp, true
}

// Calls returns the number of completions requested so far.
func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// Prompts returns every prompt seen, system and user text joined.
func (o *Oracle) Prompts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}
