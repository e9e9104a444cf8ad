package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/smallbiznis/entitlements/internal/events"
	"go.uber.org/zap"
)

// Listener applies plan_configs changes published by any instance to the local cache.
type Listener struct {
	svc *Service
	bus events.Bus
	log *zap.Logger

	mu     sync.Mutex
	sub    events.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(svc *Service, bus events.Bus, log *zap.Logger) *Listener {
	return &Listener{svc: svc, bus: bus, log: log.Named("plan.listener")}
}

// Start subscribes before returning, so changes published afterwards are observed.
func (l *Listener) Start(ctx context.Context) error {
	sub, err := l.bus.Subscribe(ctx, events.TopicPlanConfigsChanged)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.sub = sub
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go l.run(runCtx, sub, done)
	return nil
}

func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	sub, cancel, done := l.sub, l.cancel, l.done
	l.sub, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()

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

func (l *Listener) run(ctx context.Context, sub events.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var evt events.PlanConfigChanged
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				l.log.Warn("plan change payload rejected; invalidating catalog", zap.Error(err))
				l.svc.Invalidate()
				continue
			}
			l.svc.HandleChange(evt)
		}
	}
}
