package events

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keeperhq/cellar/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Publish(&Event{Type: EventSnapshotCreated, DatasetID: "home"})

	select {
	case event := <-sub:
		assert.Equal(t, EventSnapshotCreated, event.Type)
		assert.Equal(t, "home", event.DatasetID)
		assert.False(t, event.Timestamp.IsZero(), "publish stamps the event")
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	require.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	// Overflow the subscriber buffer; publishes must not block
	for i := 0; i < 200; i++ {
		broker.Publish(&Event{Type: EventJobQueued})
	}

	// The subscriber still receives up to its buffer; the rest dropped
	received := 0
	for {
		select {
		case <-sub:
			received++
		case <-time.After(100 * time.Millisecond):
			assert.Greater(t, received, 0)
			assert.LessOrEqual(t, received, 200)
			return
		}
	}
}

func TestUnsubscribeTwiceIsHarmless(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestLogSinkConsumesEvents(t *testing.T) {
	var buf syncBuffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})

	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := NewLogSink(broker)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	broker.Publish(&Event{Type: EventJobFailed, DatasetID: "home", JobID: "j1", Message: "boom"})

	require.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, string(EventJobFailed)) && strings.Contains(out, "boom")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop")
	}
	assert.Equal(t, 0, broker.SubscriberCount())
}

// syncBuffer is a goroutine-safe writer for capturing log output
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
