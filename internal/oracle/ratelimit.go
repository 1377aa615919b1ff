package oracle

import (
	"context"

	"golang.org/x/time/rate"
)

type limited struct {
	next    Oracle
	limiter *rate.Limiter
}

// RateLimited throttles calls to next. A non-positive rps returns next as is.
func RateLimited(next Oracle, rps float64, burst int) Oracle {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) Complete(ctx context.Context, messages []Message) (Completion, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Completion{}, Unavailable(err)
	}
	return l.next.Complete(ctx, messages)
}
