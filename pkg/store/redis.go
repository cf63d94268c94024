package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
)

// RedisClient is the subset of the go-redis API the bridge uses.
type RedisClient interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisConfig configures a RedisBridge.
type RedisConfig struct {
	// Prefix namespaces every key (default: "capture").
	Prefix string
	// TTL expires session keys; zero keeps them forever.
	TTL time.Duration
}

// Redis key layout
const (
	defaultPrefix      = "capture"
	keySessions        = "sessions"
	keyOperationMode   = "operationMode"
	keySessionTemplate = "%s:session:%s:%s"
)

// RedisBridge persists fields as JSON strings and publishes notifications.
type RedisBridge struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	log    logging.Logger
}

var _ Backend = (*RedisBridge)(nil)

// NewRedisBridge creates a bridge over client.
func NewRedisBridge(client RedisClient, cfg RedisConfig, logger logging.Logger) *RedisBridge {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RedisBridge{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		log:    logger.With(logging.F("component", "redis_bridge")),
	}
}

// FieldKey returns the key holding one field of a session.
func (b *RedisBridge) FieldKey(sessionID string, f capture.Field) string {
	return fmt.Sprintf(keySessionTemplate, b.prefix, sessionID, f)
}

func (b *RedisBridge) sessionsKey() string {
	return b.prefix + ":" + keySessions
}

// OperationModeKey is the key consulted by OperationMode.
func (b *RedisBridge) OperationModeKey() string {
	return b.prefix + ":" + keyOperationMode
}

// Persist writes every field of the call in one transaction and publishes
// the download event only after it committed.
func (b *RedisBridge) Persist(ctx context.Context, fields capture.Fields, snap capture.Snapshot, triggerExport bool) error {
	encoded, err := encodeFields(fields, snap)
	if err != nil {
		return err
	}

	// Store fields and register the session in a transaction
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for f, data := range encoded {
			pipe.Set(ctx, b.FieldKey(snap.SessionID, f), data, b.ttl)
		}
		pipe.SAdd(ctx, b.sessionsKey(), snap.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting %v: %w", fields.Strings(), err)
	}

	if !shouldExport(triggerExport, snap) {
		return nil
	}
	event := observability.NewCaptureEvent(snap.SessionID, observability.EventDownload)
	event.Transcript = len(snap.Transcript)
	event.ChatMessages = len(snap.ChatMessages)
	if err := b.publish(ctx, event); err != nil {
		return err
	}
	b.log.Info("Download requested",
		logging.F("session_id", snap.SessionID),
		logging.F("transcript_entries", event.Transcript))
	return nil
}

// Notify publishes n on its event channel.
func (b *RedisBridge) Notify(ctx context.Context, n capture.Notification) error {
	return b.publish(ctx, observability.NewCaptureEvent(n.SessionID, string(n.Type)))
}

func (b *RedisBridge) publish(ctx context.Context, event *observability.CaptureEvent) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, event.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// OperationMode reads the shared mode key; a missing key means auto.
func (b *RedisBridge) OperationMode(ctx context.Context) (capture.OperationMode, error) {
	v, err := b.client.Get(ctx, b.OperationModeKey()).Result()
	if errors.Is(err, redis.Nil) {
		return capture.OperationModeAuto, nil
	}
	if err != nil {
		return capture.OperationModeAuto, fmt.Errorf("reading operation mode: %w", err)
	}
	return capture.ParseOperationMode(v), nil
}

// Load reads every stored field of a session.
func (b *RedisBridge) Load(ctx context.Context, sessionID string) (capture.Snapshot, error) {
	keys := make([]string, len(capture.AllFields))
	for i, f := range capture.AllFields {
		keys[i] = b.FieldKey(sessionID, f)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return capture.Snapshot{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	snap := capture.Snapshot{SessionID: sessionID}
	found := false
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return capture.Snapshot{}, fmt.Errorf("session %s: unexpected value type %T", sessionID, v)
		}
		if err := decodeField(&snap, capture.AllFields[i], []byte(s)); err != nil {
			return capture.Snapshot{}, err
		}
		found = true
	}
	if !found {
		return capture.Snapshot{}, fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	return snap, nil
}

// Sessions lists every session id that was persisted.
func (b *RedisBridge) Sessions(ctx context.Context) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Subscribe delivers download events until ctx is done.
func Subscribe(ctx context.Context, client *redis.Client, logger logging.Logger) <-chan *observability.CaptureEvent {
	out := make(chan *observability.CaptureEvent)
	pubsub := client.Subscribe(ctx, observability.ChannelDownload)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := observability.ParseCaptureEvent([]byte(msg.Payload))
				if err != nil {
					logger.Warn("Skipping malformed capture event", logging.Err(err))
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
