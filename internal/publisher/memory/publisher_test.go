package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsEncodedMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "preload-complete", map[string]string{"elapsed": "0 hours, 1 minutes, and 2 seconds"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "preload-complete", msgs[0].Topic)
	require.JSONEq(t, `{"elapsed":"0 hours, 1 minutes, and 2 seconds"}`, string(msgs[0].Data))

	msgs[0].Topic = "modified"
	require.Equal(t, "preload-complete", pub.Messages()[0].Topic)
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "t", "x")
	require.ErrorIs(t, err, boom)

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "t", "x")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
