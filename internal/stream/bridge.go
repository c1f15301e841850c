package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/executor"
)

// DefaultBuffer bounds the bridge channel. A slow consumer exerts
// backpressure on the producer; an abandoned producer is bounded by this
// capacity instead of growing without limit.
const DefaultBuffer = 64

// DefaultInactivity is how long the consumer waits for the next item before
// converting a stalled producer into a visible timeout error.
const DefaultInactivity = 120 * time.Second

// Item is one bridge channel entry, in strict production order. Exactly one
// of Token, State, Err, or Done is meaningful; a zero-Err Done item is the
// natural-completion sentinel.
type Item struct {
	Token string
	State *executor.State
	Err   error
	Done  bool
}

// Run executes one StepExecutor invocation in its own goroutine and returns
// the ordered item channel. The executor's blocking callbacks hand items off
// through the bounded channel; once ctx is cancelled further output is
// discarded and the worker unwinds at its next push.
func Run(ctx context.Context, exec executor.StepExecutor, st *executor.State) <-chan Item {
	ch := make(chan Item, DefaultBuffer)

	push := func(it Item) bool {
		select {
		case ch <- it:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				push(Item{Err: fmt.Errorf("executor panic: %v", r)})
			}
		}()

		final, err := exec.Execute(st,
			func(token string) { push(Item{Token: token}) },
			func(snapshot *executor.State) { push(Item{State: snapshot}) },
		)
		if err != nil {
			push(Item{Err: err})
			return
		}
		if final != nil {
			push(Item{State: final})
		}
		push(Item{Done: true})
	}()

	return ch
}

// Next reads the next item, honoring cancellation and the inactivity timeout.
// A closed channel reads as the completion sentinel.
func Next(ctx context.Context, ch <-chan Item, inactivity time.Duration) (Item, error) {
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	timer := time.NewTimer(inactivity)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Item{}, domain.ErrCancelled
	case it, ok := <-ch:
		if !ok {
			return Item{Done: true}, nil
		}
		if it.Err != nil {
			return it, it.Err
		}
		return it, nil
	case <-timer.C:
		return Item{}, domain.ErrTimeout
	}
}
