package kinesis

import (
	"context"
	"sync"

	"github.com/w1xm/bsc_raster/stage"
)

// Messages beyond this many unread are dropped, oldest first.
const maxQueuedMessages = 256

// messageQueue buffers messages for one channel. The reader goroutine is
// the only producer; WaitForMessage is the consumer.
type messageQueue struct {
	mu       sync.Mutex
	messages []stage.Message
	// notify is closed and replaced whenever a message is pushed.
	notify chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{notify: make(chan struct{})}
}

func (q *messageQueue) push(m stage.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) >= maxQueuedMessages {
		q.messages = q.messages[1:]
	}
	q.messages = append(q.messages, m)
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *messageQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *messageQueue) wait(ctx context.Context) (stage.Message, error) {
	for {
		q.mu.Lock()
		if len(q.messages) > 0 {
			m := q.messages[0]
			q.messages = q.messages[1:]
			q.mu.Unlock()
			return m, nil
		}
		notify := q.notify
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return stage.Message{}, ctx.Err()
		case <-notify:
		}
	}
}
