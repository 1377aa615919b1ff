// Package oracle defines the completion oracle port the engine consumes and
// the normalization applied to its free-form output.
package oracle

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable wraps transport failures and timeouts. Callers treat it the
// same as a malformed answer.
var ErrUnavailable = errors.New("oracle unavailable")

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

type Message struct {
	Role    Role
	Content string
}

type Completion struct {
	Content string
}

// Oracle is a stateless, single-shot text completion service. All context is
// supplied with every call.
type Oracle interface {
	Complete(ctx context.Context, messages []Message) (Completion, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, messages []Message) (Completion, error)

func (f Func) Complete(ctx context.Context, messages []Message) (Completion, error) {
	return f(ctx, messages)
}

// Prompt builds the usual system + user pair.
func Prompt(system, user string) []Message {
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Call runs one completion and normalizes failures to ErrUnavailable.
func Call(ctx context.Context, o Oracle, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Unavailable(err)
	}
	res, err := o.Complete(ctx, messages)
	if err != nil {
		return "", Unavailable(err)
	}
	return res.Content, nil
}
