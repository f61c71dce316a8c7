package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/unicore-erp/unicore/internal/session"
)

// Message is a credential change announced for one scope. Tokens never
// travel on the bus; receivers reload the stored credential.
type Message struct {
	Kind   session.EventKind `json:"event"`
	UserID string            `json:"user_id,omitempty"`
}

// Bus fans credential changes out to every Store watching a scope.
type Bus interface {
	Publish(ctx context.Context, scope string, msg Message) error
	Subscribe(scope string, fn func(Message)) (unsubscribe func())
}

// LocalBus delivers messages synchronously inside one process.
type LocalBus struct {
	mu     sync.Mutex
	next   int
	scopes map[string]map[int]func(Message)
}

// NewLocalBus returns an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{scopes: make(map[string]map[int]func(Message))}
}

// Publish calls every subscriber of scope.
func (b *LocalBus) Publish(ctx context.Context, scope string, msg Message) error {
	b.mu.Lock()
	subs := make([]func(Message), 0, len(b.scopes[scope]))
	for _, fn := range b.scopes[scope] {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
	return nil
}

// Subscribe registers fn for scope.
func (b *LocalBus) Subscribe(scope string, fn func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.scopes[scope] == nil {
		b.scopes[scope] = make(map[int]func(Message))
	}
	b.scopes[scope][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.scopes[scope], id)
			if len(b.scopes[scope]) == 0 {
				delete(b.scopes, scope)
			}
		})
	}
}

// RedisBus publishes credential changes over Redis pub/sub so every portal
// replica holding the scope sees them. One pattern subscription per bus
// carries every scope; messages are routed to local subscribers by channel.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	local  *LocalBus

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus builds a RedisBus. Channels are named prefix + scope.
func NewRedisBus(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "auth:events:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger, local: NewLocalBus()}
}

// Publish encodes msg as JSON onto the scope channel.
func (b *RedisBus) Publish(ctx context.Context, scope string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("provider: encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+scope, payload).Err(); err != nil {
		return fmt.Errorf("provider: publish event: %w", err)
	}
	return nil
}

// Subscribe registers fn for scope. The shared subscription is confirmed
// before returning, so a Publish issued afterwards is always delivered.
func (b *RedisBus) Subscribe(scope string, fn func(Message)) func() {
	if err := b.listen(); err != nil {
		b.logger.Warn("auth bus subscribe", slog.String("scope", scope), slog.Any("error", err))
		return func() {}
	}
	return b.local.Subscribe(scope, fn)
}

// Close stops the shared subscription. A later Subscribe starts a new one.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

func (b *RedisBus) listen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}
	ctx := context.Background()
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	b.pubsub = pubsub
	b.done = make(chan struct{})
	go b.dispatch(pubsub, b.done)
	return nil
}

func (b *RedisBus) dispatch(pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	for raw := range pubsub.Channel() {
		scope := strings.TrimPrefix(raw.Channel, b.prefix)
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			b.logger.Warn("auth bus decode", slog.String("scope", scope), slog.Any("error", err))
			continue
		}
		_ = b.local.Publish(context.Background(), scope, msg)
	}
}
