package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus() *Bus {
	return New(nil, zap.NewNop())
}

func TestWaitForSyncEventSignal_ResolvesImmediatelyIfAlreadyPast(t *testing.T) {
	b := newTestBus()
	b.advanceAndSignal("u1", 42)

	sig := b.WaitForSyncEventSignal(context.Background(), "u1", 10, time.Second)
	require.NotNil(t, sig)
	assert.Equal(t, int64(42), sig.EventID)
}

func TestWaitForSyncEventSignal_WakesOnSignal(t *testing.T) {
	b := newTestBus()

	done := make(chan *Signal, 1)
	go func() {
		done <- b.WaitForSyncEventSignal(context.Background(), "u1", 10, 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	b.advanceAndSignal("u1", 42)

	select {
	case sig := <-done:
		require.NotNil(t, sig)
		assert.Equal(t, int64(42), sig.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestWaitForSyncEventSignal_TimesOut(t *testing.T) {
	b := newTestBus()
	sig := b.WaitForSyncEventSignal(context.Background(), "u1", 10, 100*time.Millisecond)
	assert.Nil(t, sig)
}

func TestWaitForSyncEventSignal_MultipleWaitersShareOneSignal(t *testing.T) {
	// spec.md §8 scenario 5: an identical waiter started concurrently also
	// resolves off a single signal.
	b := newTestBus()

	var wg sync.WaitGroup
	results := make([]*Signal, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = b.WaitForSyncEventSignal(context.Background(), "u1", 10, 2*time.Second)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	b.advanceAndSignal("u1", 99)
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, int64(99), r.EventID)
	}
}

func TestReleaseAllWaiters_ResolvesNull(t *testing.T) {
	b := newTestBus()
	done := make(chan *Signal, 1)
	go func() {
		done <- b.WaitForSyncEventSignal(context.Background(), "u1", 10, 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	b.releaseAllWaiters()

	select {
	case sig := <-done:
		assert.Nil(t, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestHandleNotification_IgnoresMalformed(t *testing.T) {
	b := newTestBus()

	b.handleNotification(&pq.Notification{Channel: "wrong_channel", Extra: `{"userId":"u1","eventId":1}`})
	b.handleNotification(&pq.Notification{Channel: SyncEventsChannel, Extra: `not json`})
	b.handleNotification(&pq.Notification{Channel: SyncEventsChannel, Extra: `{"eventId":1}`})
	b.handleNotification(&pq.Notification{Channel: SyncEventsChannel, Extra: `{"userId":"u1","eventId":0}`})

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.latest)
}

func TestHandleNotification_AdvancesWatermark(t *testing.T) {
	b := newTestBus()
	b.handleNotification(&pq.Notification{Channel: SyncEventsChannel, Extra: `{"userId":"u1","eventId":7}`})

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, int64(7), b.latest["u1"])
}
