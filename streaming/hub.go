// Package streaming carries timeline events over Redis pub/sub.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/util"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewClient connects to the configured Redis and checks that it answers.
func NewClient(ctx context.Context, conf *util.AppConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Conf.Redis.Addr,
		Password: conf.Conf.Redis.Password,
		DB:       conf.Conf.Redis.Db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", conf.Conf.Redis.Addr, err)
	}
	return client, nil
}

// Hub publishes to and subscribes on timeline channels.
type Hub struct {
	client *redis.Client
}

func NewHub(client *redis.Client) *Hub {
	return &Hub{client: client}
}

// Publish sends payload to every current subscriber of channel.
func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := h.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Message is one event received on a subscribed channel.
type Message struct {
	Channel string
	Event   domain.StreamEvent
}

// Subscription is an open set of channel subscriptions. The caller owns it
// and must Close it; nothing else keeps it alive or tears it down.
type Subscription struct {
	pubsub   *redis.PubSub
	messages chan Message
	done     chan struct{}
	once     sync.Once
}

// Subscribe opens a subscription once Redis has confirmed it, so events
// published after Subscribe returns are not missed.
func (h *Hub) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	ps := h.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &Subscription{
		pubsub:   ps,
		messages: make(chan Message, 16),
		done:     make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

func (s *Subscription) run() {
	defer close(s.messages)
	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var ev domain.StreamEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("Streaming: dropping malformed event")
				continue
			}
			select {
			case s.messages <- Message{Channel: msg.Channel, Event: ev}:
			case <-s.done:
				return
			}
		}
	}
}

// Messages is closed after Close or when the connection is lost.
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Close unsubscribes and releases the connection. It is safe to call more
// than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
