package observability_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/internal/observability"
)

func TestDeadLetterQueueBoundedCapacity(t *testing.T) {
	q := observability.NewDeadLetterQueue(2)
	for i := 0; i < 3; i++ {
		q.Offer(observability.DeadLetterAlert{EventID: int64(i), EventType: "order.create", LastError: fmt.Sprintf("err-%d", i)})
	}

	require.Equal(t, 2, q.Len())
	drained := q.Drain()
	require.Len(t, drained, 2)
	// Oldest alert is dropped when at capacity.
	require.Equal(t, int64(1), drained[0].EventID)
	require.Equal(t, int64(2), drained[1].EventID)
	require.Equal(t, 0, q.Len())
}

func TestDeadLetterQueueUnbounded(t *testing.T) {
	q := observability.NewDeadLetterQueue(0)
	for i := 0; i < 100; i++ {
		q.Offer(observability.DeadLetterAlert{EventID: int64(i)})
	}
	require.Equal(t, 100, q.Len())
}
