package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix is prepended to the session id to form the pub/sub channel.
const ChannelPrefix = "colossus:session:"

// Channel returns the pub/sub channel for sessionID.
func Channel(sessionID int64) string {
	return ChannelPrefix + strconv.FormatInt(sessionID, 10)
}

// SessionFromChannel parses the session id out of a channel name.
func SessionFromChannel(channel string) (int64, bool) {
	rest, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher forwards events to Redis pub/sub so processes other than
// the one running the loop can serve them.
type RedisPublisher struct {
	client  redisPublisher
	timeout time.Duration
	logger  *log.Logger
}

func NewRedisPublisher(client *redis.Client, logger *log.Logger) *RedisPublisher {
	return newRedisPublisher(client, logger)
}

func newRedisPublisher(client redisPublisher, logger *log.Logger) *RedisPublisher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RedisPublisher{client: client, timeout: 2 * time.Second, logger: logger}
}

// Publish is fire-and-forget; failures are logged.
func (p *RedisPublisher) Publish(sessionID int64, event any) {
	raw, err := json.Marshal(event)
	if err != nil {
		p.logger.Printf("warn: session %d marshal event: %v", sessionID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, Channel(sessionID), raw).Err(); err != nil {
		p.logger.Printf("warn: session %d publish event: %v", sessionID, err)
	}
}

// RedisBridge relays session events from Redis pub/sub into a local Hub.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
	logger *log.Logger
}

func NewRedisBridge(client *redis.Client, hub *Hub, logger *log.Logger) *RedisBridge {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RedisBridge{client: client, hub: hub, logger: logger}
}

// Run subscribes to every session channel until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(msg.Channel, msg.Payload)
		}
	}
}

func (b *RedisBridge) relay(channel, payload string) {
	id, ok := SessionFromChannel(channel)
	if !ok {
		b.logger.Printf("warn: ignoring message on %q", channel)
		return
	}
	if !json.Valid([]byte(payload)) {
		b.logger.Printf("warn: session %d: dropping non-JSON payload", id)
		return
	}
	b.hub.Publish(id, json.RawMessage(payload))
}
