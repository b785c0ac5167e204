package transition_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsvault/internal/transition"
	"github.com/systmms/dsvault/pkg/secret"
)

func TestChannelQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := transition.NewChannelQueue(2)

	require.NoError(t, q.Enqueue(ctx, secret.TransitionTask{ID: "a"}, secret.TransitionTask{ID: "b"}))
	assert.Equal(t, 2, q.Len())

	full, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(full, secret.TransitionTask{ID: "c"}), context.DeadlineExceeded)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", task.ID)

	q.Close()
	assert.ErrorIs(t, q.Enqueue(ctx, secret.TransitionTask{ID: "d"}), transition.ErrQueueClosed)

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", task.ID)
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, transition.ErrQueueClosed)
}

func TestDrainWithNothingQueued(t *testing.T) {
	t.Parallel()
	c := transition.New(transition.NewChannelQueue(1), nil, nil, transition.Config{})
	assert.NoError(t, c.Drain(context.Background()))
}
