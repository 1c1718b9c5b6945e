// Package relay carries accepted structure updates between server
// instances over Redis Pub/Sub. Presence is not relayed.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"room-sync-service/internal/metrics"
	"room-sync-service/internal/protocol"
	"room-sync-service/pkg/logger"
)

const channelPrefix = "room:"

// Applier receives updates that another instance accepted.
type Applier interface {
	ApplyRemote(roomID string, u protocol.Update)
}

type envelope struct {
	Instance string          `json:"instance"`
	Update   protocol.Update `json:"update"`
}

type Relay struct {
	client   *redis.Client
	instance string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// New builds a relay. instance must be unique per running server; messages
// carrying it are ignored on receipt.
func New(client *redis.Client, instance string) *Relay {
	return &Relay{client: client, instance: instance}
}

func Channel(roomID string) string {
	return channelPrefix + roomID
}

func (r *Relay) Publish(ctx context.Context, roomID string, u protocol.Update) error {
	data, err := json.Marshal(envelope{Instance: r.instance, Update: u})
	if err != nil {
		metrics.RecordRelay("out", false)
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(roomID), data).Err(); err != nil {
		metrics.RecordRelay("out", false)
		return fmt.Errorf("failed to publish to %s: %w", Channel(roomID), err)
	}
	metrics.RecordRelay("out", true)
	return nil
}

// Start subscribes to every room channel and feeds foreign updates to
// applier until Close. It returns once the subscription is active.
func (r *Relay) Start(ctx context.Context, applier Applier) error {
	ps := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to room channels: %w", err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.pubsub = ps
	r.done = done
	r.mu.Unlock()

	log := logger.GetLogger(ctx)
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			r.handle(log, applier, msg)
		}
	}()
	return nil
}

func (r *Relay) handle(log *logger.Logger, applier Applier, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		metrics.RecordRelay("in", false)
		log.Warn("dropping malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if env.Instance == r.instance {
		return
	}
	metrics.RecordRelay("in", true)
	applier.ApplyRemote(strings.TrimPrefix(msg.Channel, channelPrefix), env.Update)
}

// Close ends the subscription and waits for the receive loop to exit.
func (r *Relay) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
