package redis

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/messaging"
)

// PubSubClient adapts a go-redis client to messaging.RedisClient.
type PubSubClient struct {
	client *redis.Client

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewPubSubClient creates a new PubSubClient.
func NewPubSubClient(client *redis.Client) *PubSubClient {
	return &PubSubClient{client: client}
}

// Publish implements messaging.RedisClient.
func (p *PubSubClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// Subscribe implements messaging.RedisClient. The returned channel closes
// when ctx is cancelled or the client is closed.
func (p *PubSubClient) Subscribe(ctx context.Context, channels ...string) (<-chan messaging.RedisMessage, error) {
	sub := p.client.Subscribe(ctx, channels...)
	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	out := make(chan messaging.RedisMessage)
	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- messaging.RedisMessage{Channel: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the subscriptions. The shared client is left open.
func (p *PubSubClient) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, sub := range p.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.subs = nil
	return firstErr
}
