package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SyncEventsChannel is the Postgres NOTIFY channel name the listener
// subscribes to. Inserts into sync_events are expected to trigger a NOTIFY
// on this channel carrying {"userId":..., "eventId":...} as payload.
const SyncEventsChannel = "sync_events_channel"

// listenerReconnectDelay matches spec.md §4.D's prod backoff
// ("setTimeout(1_000)" for new waiters attempting reconnect).
var listenerReconnectDelay = time.Second

// listenerDropBackoff is the bounded backoff after which all current
// waiters resolve null on a connect error or listener drop (spec.md §4.D:
// "~200ms test / ~1s prod").
var listenerDropBackoff = time.Second

type notificationPayload struct {
	UserID  string `json:"userId"`
	EventID int64  `json:"eventId"`
}

// RunListener starts the single shared DB LISTEN client for this process.
// It runs until ctx is cancelled. On connect error or an unexpected
// listener drop, all waiters registered at that epoch are released after
// listenerDropBackoff, and the loop attempts to reconnect after
// listenerReconnectDelay before resuming normal delivery.
func (b *Bus) RunListener(ctx context.Context, connString string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		listener := pq.NewListener(connString, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil && b.logger != nil {
				b.logger.Warn("sync event listener notice", zap.Error(err))
			}
		})

		if err := listener.Listen(SyncEventsChannel); err != nil {
			listener.Close()
			if !sleepOrDone(ctx, listenerDropBackoff) {
				return
			}
			b.releaseAllWaiters()
			continue
		}

		b.consumeNotifications(ctx, listener)
		listener.Close()
		if !sleepOrDone(ctx, listenerDropBackoff) {
			return
		}
		b.releaseAllWaiters()

		if !sleepOrDone(ctx, listenerReconnectDelay) {
			return
		}
	}
}

func (b *Bus) consumeNotifications(ctx context.Context, listener *pq.Listener) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-listener.Notify:
			if !ok {
				return // channel closed: listener dropped.
			}
			if notification == nil {
				continue
			}
			b.handleNotification(notification)
		case <-ping.C:
			_ = listener.Ping()
		}
	}
}

func (b *Bus) handleNotification(n *pq.Notification) {
	if n.Channel != SyncEventsChannel {
		return // malformed: wrong channel.
	}

	var payload notificationPayload
	if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
		return // malformed: non-JSON.
	}
	if payload.UserID == "" || payload.EventID <= 0 {
		return // malformed: missing userId or eventId<=0.
	}

	b.advanceAndSignal(payload.UserID, payload.EventID)
}

// releaseAllWaiters resolves every currently-registered waiter with nil,
// used when the listener connection is lost.
func (b *Bus) releaseAllWaiters() {
	b.mu.Lock()
	all := b.waiters
	b.waiters = make(map[string][]chan Signal)
	b.mu.Unlock()

	for _, chans := range all {
		for _, ch := range chans {
			close(ch)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SetTestBackoff overrides listener backoff intervals for deterministic
// tests (spec.md §4.D names "~200ms test" distinctly from prod).
func SetTestBackoff() {
	listenerDropBackoff = 200 * time.Millisecond
	listenerReconnectDelay = 200 * time.Millisecond
}
