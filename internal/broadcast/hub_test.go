package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

func staticSnapshot(status models.SessionStatus, percent int) SnapshotFunc {
	return func(_ context.Context, sessionID uuid.UUID) (*models.ProgressEvent, error) {
		return &models.ProgressEvent{
			SessionID:       sessionID,
			Type:            models.EventTypeProgress,
			Status:          status,
			ProgressPercent: percent,
			Snapshot:        true,
			Timestamp:       time.Now(),
		}, nil
	}
}

func recvEvent(t *testing.T, ch <-chan models.ProgressEvent) models.ProgressEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.ProgressEvent{}
	}
}

func TestSubscribeSnapshotFirst(t *testing.T) {
	hub := NewHub(staticSnapshot(models.StatusRunning, 42), nil)
	sessionID := uuid.New()

	sub, err := hub.Subscribe(context.Background(), sessionID)
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(models.ProgressEvent{
		SessionID:       sessionID,
		Type:            models.EventTypeProgress,
		Status:          models.StatusRunning,
		ProgressPercent: 50,
	})

	// The snapshot arrives before any live event, even when a publish
	// happened right after subscribing.
	first := recvEvent(t, sub.C)
	assert.True(t, first.Snapshot)
	assert.Equal(t, 42, first.ProgressPercent)

	second := recvEvent(t, sub.C)
	assert.False(t, second.Snapshot)
	assert.Equal(t, 50, second.ProgressPercent)
}

func TestPublishFanOut(t *testing.T) {
	hub := NewHub(staticSnapshot(models.StatusPending, 0), nil)
	sessionID := uuid.New()

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := hub.Subscribe(context.Background(), sessionID)
		require.NoError(t, err)
		defer sub.Close()
		subs = append(subs, sub)
		recvEvent(t, sub.C) // drain snapshot
	}

	assert.Equal(t, 3, hub.SubscriberCount(sessionID))

	hub.Publish(models.ProgressEvent{
		SessionID: sessionID,
		Type:      models.EventTypeStatusChange,
		Status:    models.StatusRunning,
	})

	for _, sub := range subs {
		event := recvEvent(t, sub.C)
		assert.Equal(t, models.StatusRunning, event.Status)
	}
}

func TestPublishOtherSessionNotDelivered(t *testing.T) {
	hub := NewHub(staticSnapshot(models.StatusPending, 0), nil)
	sessionID := uuid.New()

	sub, err := hub.Subscribe(context.Background(), sessionID)
	require.NoError(t, err)
	defer sub.Close()
	recvEvent(t, sub.C)

	hub.Publish(models.ProgressEvent{SessionID: uuid.New(), Type: models.EventTypeProgress})

	select {
	case event := <-sub.C:
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionClose(t *testing.T) {
	hub := NewHub(staticSnapshot(models.StatusPending, 0), nil)
	sessionID := uuid.New()

	a, err := hub.Subscribe(context.Background(), sessionID)
	require.NoError(t, err)
	b, err := hub.Subscribe(context.Background(), sessionID)
	require.NoError(t, err)
	defer b.Close()

	recvEvent(t, a.C)
	recvEvent(t, b.C)

	a.Close()
	a.Close() // idempotent

	assert.Equal(t, 1, hub.SubscriberCount(sessionID))

	// The closed channel is drained; the other subscriber still receives
	_, open := <-a.C
	assert.False(t, open)

	hub.Publish(models.ProgressEvent{SessionID: sessionID, Type: models.EventTypeProgress})
	event := recvEvent(t, b.C)
	assert.Equal(t, models.EventTypeProgress, event.Type)
}

type captureMirror struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (m *captureMirror) Publish(event models.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *captureMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestMirrorReceivesAllEvents(t *testing.T) {
	mirror := &captureMirror{}
	hub := NewHub(staticSnapshot(models.StatusPending, 0), mirror)
	sessionID := uuid.New()

	// Mirrored even with zero subscribers
	hub.Publish(models.ProgressEvent{SessionID: sessionID, Type: models.EventTypeProgress})
	hub.Publish(models.ProgressEvent{SessionID: sessionID, Type: models.EventTypeSessionEnded})

	assert.Equal(t, 2, mirror.count())
}
