package relay

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/phx"
)

// Envelope kinds.
const (
	KindChange    = "change"
	KindBroadcast = "broadcast"
)

// Envelope is a change or broadcast relayed between instances.
type Envelope struct {
	Kind    string           `json:"kind"`
	Topic   string           `json:"topic,omitempty"`
	Event   string           `json:"event,omitempty"`
	Payload map[string]any   `json:"payload,omitempty"`
	Change  *phx.ChangeEvent `json:"change,omitempty"`
}

// Bridge relays envelopes between relay instances.
type Bridge interface {
	// Publish sends an envelope to all other instances.
	Publish(env Envelope) error

	// Start begins listening for envelopes from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected.
	Available() bool
}

// LocalTarget receives envelopes from other instances.
type LocalTarget interface {
	DeliverLocal(env Envelope) int
}

// RedisConfig holds connection settings for the Redis bridge.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // channel prefix
}

// DefaultRedisConfig returns a RedisConfig for a local Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "fitdesk:relay:",
	}
}

// RedisConfigFromEnv loads Redis configuration from REDIS_ADDR,
// REDIS_PASSWORD, REDIS_DB and FITDESK_REDIS_PREFIX, falling back to
// defaults.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("FITDESK_REDIS_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	return cfg
}

// redisEnvelope tags an envelope with its origin so an instance can skip
// its own messages.
type redisEnvelope struct {
	InstanceID string   `json:"instance_id"`
	Envelope   Envelope `json:"envelope"`
}

// RedisBridge relays envelopes through Redis pub/sub.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     LocalTarget

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge delivering remote envelopes to target.
func NewRedisBridge(cfg *RedisConfig, target LocalTarget) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBridge{
		client:     client,
		channel:    cfg.Prefix + "events",
		instanceID: uuid.New().String(),
		target:     target,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID returns the id stamped on published envelopes.
func (b *RedisBridge) InstanceID() string {
	return b.instanceID
}

// Start subscribes to the relay channel and begins relaying.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, b.channel)
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	log.Info("relay: redis bridge started", "instance_id", b.instanceID, "channel", b.channel)
	return nil
}

// Publish sends an envelope to all other instances.
func (b *RedisBridge) Publish(env Envelope) error {
	data, err := json.Marshal(redisEnvelope{InstanceID: b.instanceID, Envelope: env})
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// handle decodes an envelope and delivers it unless it is our own.
func (b *RedisBridge) handle(msg *redis.Message) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.Error("relay: bad redis envelope", "error", err.Error())
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}
	n := b.target.DeliverLocal(env.Envelope)
	log.Debug("relay: relayed from redis", "from_instance", env.InstanceID, "kind", env.Envelope.Kind, "deliveries", n)
}

var _ Bridge = (*RedisBridge)(nil)
