package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

const DefaultSubscriberBuffer = 64

// MemoryBus fans messages out to in-process subscribers. A full subscriber buffer
// drops the message for that subscriber rather than blocking the publisher.
type MemoryBus struct {
	mu               sync.RWMutex
	topics           map[string]map[uint64]*memorySubscription
	nextID           uint64
	subscriberBuffer int
	closed           bool
	dropped          atomic.Int64
}

type memorySubscription struct {
	bus    *MemoryBus
	id     uint64
	topics []string
	ch     chan Message
	once   sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics:           make(map[string]map[uint64]*memorySubscription),
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	if b == nil {
		return ErrBusClosed
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("invalid_topic")
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	// Sends happen under the read lock so Close and unsubscribe never close a
	// channel while a send is in flight.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	if b == nil {
		return nil, ErrBusClosed
	}
	cleaned := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			cleaned = append(cleaned, topic)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("invalid_topic")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:    b,
		id:     b.nextID,
		topics: cleaned,
		ch:     make(chan Message, b.subscriberBuffer),
	}
	b.nextID++
	for _, topic := range cleaned {
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[uint64]*memorySubscription)
		}
		b.topics[topic][sub.id] = sub
	}
	return sub, nil
}

// Dropped reports how many deliveries were discarded because a subscriber was full.
func (b *MemoryBus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make(map[uint64]*memorySubscription)
	for _, byID := range b.topics {
		for id, sub := range byID {
			subs[id] = sub
		}
	}
	b.topics = make(map[string]map[uint64]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (b *MemoryBus) unsubscribe(sub *memorySubscription) {
	b.mu.Lock()
	for _, topic := range sub.topics {
		byID := b.topics[topic]
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()
}

func (s *memorySubscription) Messages() <-chan Message {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *memorySubscription) Close() error {
	if s == nil || s.bus == nil {
		return nil
	}
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
	return nil
}
