package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/executor"
)

// funcExecutor adapts a closure into a StepExecutor.
type funcExecutor func(st *executor.State, onToken func(string), onStep func(*executor.State)) (*executor.State, error)

func (f funcExecutor) Execute(st *executor.State, onToken func(string), onStep func(*executor.State)) (*executor.State, error) {
	return f(st, onToken, onStep)
}

func drain(t *testing.T, ctx context.Context, ch <-chan Item) ([]Item, error) {
	t.Helper()
	var items []Item
	for {
		it, err := stepNext(ctx, ch)
		if err != nil {
			return items, err
		}
		items = append(items, it)
		if it.Done {
			return items, nil
		}
	}
}

func stepNext(ctx context.Context, ch <-chan Item) (Item, error) {
	return Next(ctx, ch, time.Second)
}

func TestRunPreservesOrder(t *testing.T) {
	exec := executor.NewScripted("agent_a", "Alpha", "one ", "two ", "three")
	ch := Run(context.Background(), exec, &executor.State{ConversationID: "conv_1"})

	items, err := drain(t, context.Background(), ch)
	require.NoError(t, err)

	var tokens []string
	sawState := false
	for _, it := range items {
		if it.Token != "" {
			assert.False(t, sawState, "token after final state")
			tokens = append(tokens, it.Token)
		}
		if it.State != nil {
			sawState = true
			assert.Equal(t, "one two three", it.State.Reply)
		}
	}
	assert.Equal(t, []string{"one ", "two ", "three"}, tokens)
	assert.True(t, sawState)
	assert.True(t, items[len(items)-1].Done)
}

func TestRunSurfacesExecutorError(t *testing.T) {
	exec := &executor.Scripted{
		Steps: []executor.ScriptStep{{AgentID: "a", AgentName: "A", Tokens: []string{"partial"}}},
		Err:   errors.New("graph exploded"),
	}
	ch := Run(context.Background(), exec, &executor.State{})

	_, err := drain(t, context.Background(), ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph exploded")
}

func TestRunRecoversPanic(t *testing.T) {
	exec := funcExecutor(func(st *executor.State, onToken func(string), onStep func(*executor.State)) (*executor.State, error) {
		onToken("before")
		panic("executor blew up")
	})
	ch := Run(context.Background(), exec, &executor.State{})

	_, err := drain(t, context.Background(), ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor panic")
}

func TestNextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	exec := funcExecutor(func(st *executor.State, onToken func(string), onStep func(*executor.State)) (*executor.State, error) {
		close(started)
		time.Sleep(5 * time.Second)
		return st, nil
	})
	ch := Run(ctx, exec, &executor.State{})

	<-started
	cancel()

	_, err := Next(ctx, ch, time.Second)
	assert.True(t, errors.Is(err, domain.ErrCancelled))
}

func TestNextInactivityTimeout(t *testing.T) {
	exec := funcExecutor(func(st *executor.State, onToken func(string), onStep func(*executor.State)) (*executor.State, error) {
		time.Sleep(5 * time.Second)
		return st, nil
	})
	ch := Run(context.Background(), exec, &executor.State{})

	_, err := Next(context.Background(), ch, 50*time.Millisecond)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
}

func TestCancelledProducerUnwinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// A producer emitting far more than the buffer capacity must unwind at
	// its next push once the context is cancelled, instead of hanging.
	finished := make(chan struct{})
	exec := funcExecutor(func(st *executor.State, onToken func(string), onStep func(*executor.State)) (*executor.State, error) {
		defer close(finished)
		for i := 0; i < DefaultBuffer*10; i++ {
			onToken(fmt.Sprintf("t%d", i))
		}
		return st, nil
	})
	_ = Run(ctx, exec, &executor.State{})
	cancel()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not unwind after cancellation")
	}
}

func TestBufferBoundsBackpressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var emitted atomic.Int32
	exec := funcExecutor(func(st *executor.State, onToken func(string), onStep func(*executor.State)) (*executor.State, error) {
		for i := 0; i < DefaultBuffer*2; i++ {
			onToken("x")
			emitted.Add(1)
		}
		return st, nil
	})

	// Nothing consumes the channel, so the producer must stall once the
	// buffer fills rather than emitting everything.
	Run(ctx, exec, &executor.State{})
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, int(emitted.Load()), DefaultBuffer+1)
}
