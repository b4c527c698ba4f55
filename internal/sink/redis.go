package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/devblac/solana-event-reader/internal/txmeta"
	"github.com/redis/go-redis/v9"
)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends each transaction to a Redis stream.
type RedisStream struct {
	client streamAdder
	closer func() error
	stream string
	maxLen int64
}

// RedisOptions configures NewRedisStream.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// NewRedisStream connects and pings the server.
func NewRedisStream(ctx context.Context, opts RedisOptions) (*RedisStream, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	s := newRedisStream(client, opts.Stream, opts.MaxLen)
	s.closer = client.Close
	return s, nil
}

func newRedisStream(client streamAdder, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = "solana:transactions"
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Deliver(ctx context.Context, meta *txmeta.TransactionParsedMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"signature": meta.Signature,
			"slot":      strconv.FormatUint(meta.Slot, 10),
			"payload":   string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStream) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
