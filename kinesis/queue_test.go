package kinesis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/bsc_raster/stage"
)

func TestMessageQueueOrder(t *testing.T) {
	q := newMessageQueue()
	q.push(stage.Message{Type: 1, ID: 0})
	q.push(stage.Message{Type: 2, ID: 5})

	ctx := context.Background()
	m, err := q.wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, stage.Message{Type: 1, ID: 0}, m)
	m, err = q.wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, stage.Message{Type: 2, ID: 5}, m)
}

func TestMessageQueueClear(t *testing.T) {
	q := newMessageQueue()
	q.push(stage.Message{Type: stage.MoveCompleteType, ID: stage.MoveCompleteID})
	q.clear()
	assert.Equal(t, 0, q.len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageQueueWakesWaiter(t *testing.T) {
	q := newMessageQueue()
	got := make(chan stage.Message, 1)
	go func() {
		m, err := q.wait(context.Background())
		assert.NoError(t, err)
		got <- m
	}()
	time.Sleep(10 * time.Millisecond)
	q.push(stage.Message{Type: stage.MoveCompleteType, ID: stage.HomingCompleteID})
	select {
	case m := <-got:
		assert.Equal(t, stage.HomingCompleteID, m.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestMessageQueueDropsOldest(t *testing.T) {
	q := newMessageQueue()
	for i := 0; i < maxQueuedMessages+3; i++ {
		q.push(stage.Message{ID: i})
	}
	assert.Equal(t, maxQueuedMessages, q.len())
	m, err := q.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, m.ID)
}
