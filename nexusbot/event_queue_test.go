package nexusbot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for i := 1; i <= 3; i++ {
		require.True(t, q.Push(&idleEvent{playbackID: uint64(i)}))
	}
	assert.Equal(t, 3, q.Len())

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a notification after push")
	}

	for i := 1; i <= 3; i++ {
		ev, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, uint64(i), ev.(*idleEvent).playbackID)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Push(&idleEvent{playbackID: 1})
	q.Push(&idleEvent{playbackID: 2})

	remaining := q.Close()
	assert.Len(t, remaining, 2)
	assert.False(t, q.Push(&idleEvent{playbackID: 3}))
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ConcurrentPush(t *testing.T) {
	q := newEventQueue()
	wg := sync.WaitGroup{}
	producers := 10
	perProducer := 100

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(&idleEvent{})
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		if _, ok := q.Pop(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, producers*perProducer, count)
}
