// Package idlewatch keeps one live IMAP watch session per (connector,
// mailbox) that has opted into low-latency sync, polling mailbox status on
// a safety-net interval and reconnecting through a circuit breaker when a
// session's connection drops. Gmail-API connectors with an active push
// subscription are skipped: their push webhook already plays this role.
package idlewatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mailforge/syncengine/internal/models"
)

// safetyNetInterval is how often a watcher polls mailbox status even
// without an intervening server push, matching the "safety-net interval"
// named for this component.
const safetyNetInterval = 25 * time.Second

// watcherStaleAfter is how long a watcher may go without a successful poll
// before the watchdog considers it dead and restarts it.
const watcherStaleAfter = 3 * time.Minute

// Session is one connector/mailbox's live watch connection.
type Session interface {
	// Poll blocks until either new mailbox activity is observed, the
	// safety-net interval elapses, or ctx is cancelled, returning
	// changed=true only in the first case.
	Poll(ctx context.Context) (changed bool, err error)
	Close() error
}

// Dialer opens a new Session for one connector/mailbox pair.
type Dialer interface {
	Dial(ctx context.Context, conn models.IncomingConnector, mailbox string) (Session, error)
}

// ConnectorSource supplies the set of connectors eligible for IDLE
// watching.
type ConnectorSource interface {
	ListIncomingConnectorsForIdleWatch(ctx context.Context) ([]models.IncomingConnector, error)
}

// SyncTrigger is invoked when a watcher observes new mailbox activity.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, userID, connectorID, mailbox string) error
}

type watcherKey struct {
	connectorID string
	mailbox     string
}

type watcher struct {
	userID      string
	connectorID string
	mailbox     string
	conn        models.IncomingConnector

	breaker *gobreaker.CircuitBreaker

	mu          sync.Mutex
	lastSuccess time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// Manager owns the set of live watchers and the watchdog loop that keeps
// them healthy.
type Manager struct {
	dialer  Dialer
	source  ConnectorSource
	trigger SyncTrigger
	logger  *zap.Logger

	mu       sync.Mutex
	watchers map[watcherKey]*watcher
}

// New constructs a Manager. logger must not be nil.
func New(dialer Dialer, source ConnectorSource, trigger SyncTrigger, logger *zap.Logger) *Manager {
	return &Manager{
		dialer:   dialer,
		source:   source,
		trigger:  trigger,
		logger:   logger,
		watchers: make(map[watcherKey]*watcher),
	}
}

// isIdleEligible reports whether conn should be watched: it must request
// IDLE watching and, if it's a Gmail-API connector with an active push
// subscription, push already covers it so IDLE is skipped.
func isIdleEligible(conn models.IncomingConnector) bool {
	if !conn.SyncSettings.UseIdle {
		return false
	}
	if conn.Provider == models.ProviderGmailAPI && conn.SyncSettings.GmailPush.Enabled && conn.SyncSettings.GmailPush.Status == "watching" {
		return false
	}
	return true
}

// ResumeConfiguredIdleWatches starts a watcher for every currently eligible
// connector/mailbox that doesn't already have one, and stops any running
// watcher whose connector is no longer eligible (disabled, reconnect
// required, or now covered by Gmail push).
func (m *Manager) ResumeConfiguredIdleWatches(ctx context.Context) error {
	return m.resumeConfiguredIdleWatches(ctx)
}

func (m *Manager) resumeConfiguredIdleWatches(ctx context.Context) error {
	connectors, err := m.source.ListIncomingConnectorsForIdleWatch(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list idle-eligible connectors")
	}

	wanted := make(map[watcherKey]models.IncomingConnector)
	for _, c := range connectors {
		if !isIdleEligible(c) {
			continue
		}
		mailboxes := c.SyncSettings.WatchMailboxes
		if len(mailboxes) == 0 {
			mailboxes = []string{"INBOX"}
		}
		for _, mb := range mailboxes {
			wanted[watcherKey{connectorID: c.ID, mailbox: mb}] = c
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, conn := range wanted {
		if _, exists := m.watchers[key]; !exists {
			m.startLocked(ctx, conn, key.mailbox)
		}
	}
	for key, w := range m.watchers {
		if _, stillWanted := wanted[key]; !stillWanted {
			m.stopLocked(key, w)
		}
	}
	return nil
}

func (m *Manager) startLocked(ctx context.Context, conn models.IncomingConnector, mailbox string) {
	key := watcherKey{connectorID: conn.ID, mailbox: mailbox}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &watcher{
		userID:      conn.UserID,
		connectorID: conn.ID,
		mailbox:     mailbox,
		conn:        conn,
		cancel:      cancel,
		done:        make(chan struct{}),
		lastSuccess: time.Now(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "idlewatch:" + conn.ID + ":" + mailbox,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.logger.Warn("idle watcher circuit breaker state change", zap.String("watcher", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
	m.watchers[key] = w
	go m.run(watchCtx, w)
}

func (m *Manager) stopLocked(key watcherKey, w *watcher) {
	w.cancel()
	delete(m.watchers, key)
}

func (m *Manager) run(ctx context.Context, w *watcher) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := w.breaker.Execute(func() (any, error) {
			return nil, m.watchOnce(ctx, w)
		})
		if err != nil {
			m.logger.Warn("idle watcher session ended", zap.String("connectorId", w.connectorID), zap.String("mailbox", w.mailbox), zap.Error(err))
			select {
			case <-time.After(backoffFor(w)):
			case <-ctx.Done():
				return
			}
		}
	}
}

func backoffFor(w *watcher) time.Duration {
	return 5 * time.Second
}

func (m *Manager) watchOnce(ctx context.Context, w *watcher) error {
	session, err := m.dialer.Dial(ctx, w.conn, w.mailbox)
	if err != nil {
		return errors.Wrap(err, "failed to dial idle session")
	}
	defer session.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		changed, err := session.Poll(ctx)
		if err != nil {
			return errors.Wrap(err, "idle session poll failed")
		}

		w.mu.Lock()
		w.lastSuccess = time.Now()
		w.mu.Unlock()

		if changed {
			if err := m.trigger.TriggerSync(ctx, w.userID, w.connectorID, w.mailbox); err != nil {
				m.logger.Error("failed to trigger sync from idle watcher", zap.Error(err))
			}
		}
	}
}

// RunIdleWatchdog runs resumeConfiguredIdleWatches immediately and then on
// every tick of interval until ctx is cancelled, also restarting any
// watcher that has gone stale (no successful poll within
// watcherStaleAfter) regardless of its circuit breaker state.
func (m *Manager) RunIdleWatchdog(ctx context.Context, interval time.Duration) error {
	return m.runIdleWatchdog(ctx, interval)
}

func (m *Manager) runIdleWatchdog(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	if err := m.resumeConfiguredIdleWatches(ctx); err != nil {
		m.logger.Error("initial idle watch reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.restartStaleWatchers(ctx)
			if err := m.resumeConfiguredIdleWatches(ctx); err != nil {
				m.logger.Error("idle watch reconciliation failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) restartStaleWatchers(ctx context.Context) {
	m.mu.Lock()
	stale := make([]watcherKey, 0)
	conns := make(map[watcherKey]models.IncomingConnector)
	for key, w := range m.watchers {
		w.mu.Lock()
		isStale := time.Since(w.lastSuccess) > watcherStaleAfter
		w.mu.Unlock()
		if isStale {
			stale = append(stale, key)
			conns[key] = w.conn
		}
	}
	for _, key := range stale {
		w := m.watchers[key]
		m.stopLocked(key, w)
	}
	for _, key := range stale {
		m.startLocked(ctx, conns[key], key.mailbox)
	}
	m.mu.Unlock()
}

// Shutdown stops every running watcher and waits for its goroutine to
// return.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	watchers := make([]*watcher, 0, len(m.watchers))
	for key, w := range m.watchers {
		w.cancel()
		watchers = append(watchers, w)
		delete(m.watchers, key)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		<-w.done
	}
}
