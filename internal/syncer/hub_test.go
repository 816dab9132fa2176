package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(context.Background(), 1)
	defer cancel()

	delivered, dropped := hub.Publish(domain.Event{Type: domain.EventSnapshotUpdated, CycleID: "1"})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)

	delivered, dropped = hub.Publish(domain.Event{Type: domain.EventSnapshotUpdated, CycleID: "2"})
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, dropped)

	assert.Equal(t, "1", (<-ch).CycleID)
}

func TestHub_ContextCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe := hub.Subscribe(ctx, 0)
	defer unsubscribe()

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	delivered, dropped := hub.Publish(domain.Event{Type: domain.EventCycleFailed})
	assert.Zero(t, delivered+dropped)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(context.Background(), 2)
	hub.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, lateCancel := hub.Subscribe(context.Background(), 2)
	defer lateCancel()
	_, ok = <-late
	require.False(t, ok)
}
