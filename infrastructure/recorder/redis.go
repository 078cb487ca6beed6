package recorder

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink 以 XADD 写入 Redis Stream，供外部消费者回放。
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "pt:records"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, r := range records {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Values: map[string]interface{}{
				"kind":            string(r.Kind),
				"name":            r.Name,
				"client_order_id": r.ClientOrderID,
				"seq":             strconv.FormatUint(r.Seq, 10),
				"source":          r.Source,
				"payload":         string(r.Payload),
				"at":              r.At.Format(time.RFC3339Nano),
			},
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStreamSink) Stream() string { return s.stream }

func (s *RedisStreamSink) Close() error { return nil }
