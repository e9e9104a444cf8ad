// Package notifier pushes full usage snapshots to in-process listeners whenever a
// user's tier or usage changes on any instance.
package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/events"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const snapshotTimeout = 5 * time.Second

// Callback receives full snapshots. It runs on the listener's own goroutine.
type Callback func(entitlementdomain.Snapshot)

type Params struct {
	fx.In

	Log     *zap.Logger
	Checker entitlementdomain.Checker
	Bus     events.Bus
	Metrics *metrics.Metrics `optional:"true"`
}

type Notifier struct {
	log     *zap.Logger
	checker entitlementdomain.Checker
	bus     events.Bus
	metrics *metrics.Metrics

	mu        sync.Mutex
	listeners map[string]map[uint64]*listener
	nextID    uint64

	sub    events.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func New(p Params) *Notifier {
	return &Notifier{
		log:       p.Log.Named("notifier"),
		checker:   p.Checker,
		bus:       p.Bus,
		metrics:   p.Metrics,
		listeners: make(map[string]map[uint64]*listener),
	}
}

// listener owns one callback. signal holds at most one pending refresh, so a burst
// of changes collapses into a single snapshot rebuild.
type listener struct {
	id       uint64
	userID   string
	callback Callback
	signal   chan struct{}
	stop     chan struct{}
	once     sync.Once
}

// Subscribe registers callback for userID and delivers the current snapshot right
// away. The returned func unsubscribes and is safe to call more than once.
// Cancelling ctx also unsubscribes.
func (n *Notifier) Subscribe(ctx context.Context, userID string, callback Callback) func() {
	if callback == nil {
		return func() {}
	}
	if userID == "" {
		go n.deliver(userID, callback)
		return func() {}
	}

	n.mu.Lock()
	n.nextID++
	l := &listener{
		id:       n.nextID,
		userID:   userID,
		callback: callback,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if n.listeners[userID] == nil {
		n.listeners[userID] = make(map[uint64]*listener)
	}
	n.listeners[userID][l.id] = l
	n.mu.Unlock()

	n.metrics.AddNotifierListeners(1)
	l.signal <- struct{}{}
	go n.loop(l)

	unsubscribe := func() { n.remove(l) }
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				unsubscribe()
			case <-l.stop:
			}
		}()
	}
	return unsubscribe
}

// Notify schedules a snapshot refresh for every listener of userID.
func (n *Notifier) Notify(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.listeners[userID] {
		select {
		case l.signal <- struct{}{}:
		default:
			n.metrics.RecordNotifierDelivery("coalesced")
		}
	}
}

// Listeners reports how many callbacks are registered for userID.
func (n *Notifier) Listeners(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners[userID])
}

// Start subscribes to the change feed before returning.
func (n *Notifier) Start(ctx context.Context) error {
	sub, err := n.bus.Subscribe(ctx, events.TopicUsersChanged)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	n.mu.Lock()
	n.sub = sub
	n.cancel = cancel
	n.done = done
	n.mu.Unlock()

	go n.run(runCtx, sub, done)
	return nil
}

// Stop detaches from the change feed and drops every listener.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	sub, cancel, done := n.sub, n.cancel, n.done
	n.sub, n.cancel, n.done = nil, nil, nil
	var all []*listener
	for _, byID := range n.listeners {
		for _, l := range byID {
			all = append(all, l)
		}
	}
	n.mu.Unlock()

	for _, l := range all {
		n.remove(l)
	}
	if cancel == nil {
		return nil
	}
	cancel()
	_ = sub.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (n *Notifier) run(ctx context.Context, sub events.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var evt events.UserChanged
			if err := json.Unmarshal(msg.Payload, &evt); err != nil || evt.UserID == "" {
				n.log.Warn("user change payload rejected", zap.ByteString("payload", msg.Payload), zap.Error(err))
				continue
			}
			n.Notify(evt.UserID)
		}
	}
}

func (n *Notifier) loop(l *listener) {
	for {
		select {
		case <-l.stop:
			return
		case <-l.signal:
		}
		select {
		case <-l.stop:
			return
		default:
		}
		n.deliver(l.userID, l.callback)
	}
}

func (n *Notifier) deliver(userID string, callback Callback) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	snap := n.checker.GetUsageSnapshot(ctx, userID)
	defer func() {
		if r := recover(); r != nil {
			n.metrics.RecordNotifierDelivery("panic")
			n.log.Error("snapshot callback panicked", zap.String("user_id", userID), zap.Any("panic", r))
		}
	}()
	callback(snap)
	n.metrics.RecordNotifierDelivery("delivered")
}

func (n *Notifier) remove(l *listener) {
	l.once.Do(func() {
		close(l.stop)
		n.mu.Lock()
		if byID := n.listeners[l.userID]; byID != nil {
			delete(byID, l.id)
			if len(byID) == 0 {
				delete(n.listeners, l.userID)
			}
		}
		n.mu.Unlock()
		n.metrics.AddNotifierListeners(-1)
	})
}
