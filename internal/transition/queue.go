package transition

import (
	"context"
	"errors"
	"sync"

	"github.com/systmms/dsvault/pkg/secret"
)

// DefaultQueueSize bounds the in-memory queue.
const DefaultQueueSize = 1024

// ErrQueueClosed is returned by Dequeue once the queue is closed and empty.
var ErrQueueClosed = errors.New("transition queue closed")

// Queue delivers transition tasks to workers at least once.
type Queue interface {
	Enqueue(ctx context.Context, tasks ...secret.TransitionTask) error
	Dequeue(ctx context.Context) (secret.TransitionTask, error)
}

// ChannelQueue is an in-memory Queue over a buffered channel. Enqueue blocks
// while the buffer is full.
type ChannelQueue struct {
	ch chan secret.TransitionTask

	mu     sync.RWMutex
	closed bool
}

var _ Queue = (*ChannelQueue)(nil)

// NewChannelQueue creates a queue holding up to size tasks. If size is 0,
// DefaultQueueSize is used.
func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &ChannelQueue{ch: make(chan secret.TransitionTask, size)}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, tasks ...secret.TransitionTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	for _, t := range tasks {
		select {
		case q.ch <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *ChannelQueue) Dequeue(ctx context.Context) (secret.TransitionTask, error) {
	select {
	case t, ok := <-q.ch:
		if !ok {
			return secret.TransitionTask{}, ErrQueueClosed
		}
		return t, nil
	case <-ctx.Done():
		return secret.TransitionTask{}, ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (q *ChannelQueue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks. Queued tasks can still be dequeued.
func (q *ChannelQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
