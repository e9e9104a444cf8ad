package events

import (
	"context"
	"errors"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes through redis pub/sub so every instance sees every change.
type RedisBus struct {
	client *redis.Client
	log    *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	out    chan Message
	done   chan struct{}
	once   sync.Once
}

func NewRedisBus(client *redis.Client, log *zap.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{
		client: client,
		log:    log.Named("events.redis"),
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("invalid_topic")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe blocks until redis confirms the subscription so messages published
// after it returns are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
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
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, cleaned...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		bus:    b,
		pubsub: pubsub,
		out:    make(chan Message, DefaultSubscriberBuffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			default:
				s.bus.log.Warn("subscriber buffer full; message dropped", zap.String("topic", msg.Channel))
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}
