package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(New(EventChangePlanned, "planned CRQ-1", map[string]string{"pool": "web"}))

	select {
	case e := <-sub:
		assert.Equal(t, EventChangePlanned, e.Type)
		assert.False(t, e.Timestamp.IsZero())
		assert.NotEmpty(t, e.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestNilBrokerDiscards(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(New(EventTaskFailed, "x", nil)) })
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(New(EventDNSFinding, "finding", nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a broker that was never started")
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestKafkaSinkForwards(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	w := &recordingWriter{}
	sink := NewSinkWithWriter(w)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, b) }()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Publish(New(EventChangeCompleted, "completed CRQ-1", map[string]string{"pool": "web"}))
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.closed)
	assert.Equal(t, "web", string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, EventChangeCompleted, decoded.Type)
	assert.Equal(t, "completed CRQ-1", decoded.Message)
}
