package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsEventsInOrder(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "case.alerted", map[string]int{"risk_score": 80})
	require.NoError(t, err)
	id2, err := pub.Publish(ctx, "report.sealed", "r-1")
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "case.alerted", "second")
	require.NoError(t, err)

	require.Equal(t, "evt-000001", id1)
	require.Equal(t, "evt-000002", id2)

	events := pub.Messages()
	require.Len(t, events, 3)
	require.Equal(t, "report.sealed", events[1].Topic)
	require.Len(t, pub.Topic("case.alerted"), 2)
	require.Empty(t, pub.Topic("dispatch.sent"))

	events[0].Topic = "changed"
	require.Equal(t, "case.alerted", pub.Messages()[0].Topic)
}

func TestPublishFailureInjection(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "case.alerted", nil)
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "case.alerted", nil)
	require.NoError(t, err)
	require.Len(t, pub.Messages(), 1)
}

func TestPublishRejectsEmptyTopicAndCanceledContext(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "case.alerted", "x")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
