package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/nasqa/dut-harness/framework/qatest"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLogstashKey is the list that logstash's redis input reads by default.
	DefaultLogstashKey = "logstash"

	logstashBatchSize = 100
)

// listPusher is the part of *redis.Client the uploader needs.
type listPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// LogstashUploader pushes one JSON document per result onto a Redis list that a logstash
// redis input consumes.
type LogstashUploader struct {
	redis listPusher
	key   string
	close func() error
}

// NewLogstashUploader connects to Redis. addr is either host:port or a redis:// URL.
func NewLogstashUploader(addr, key string) (*LogstashUploader, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("logstash: %w", err)
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)
	return &LogstashUploader{redis: rdb, key: keyOrDefault(key), close: rdb.Close}, nil
}

func keyOrDefault(key string) string {
	if key == "" {
		return DefaultLogstashKey
	}
	return key
}

func (l *LogstashUploader) Name() string { return "logstash" }

func (l *LogstashUploader) Upload(ctx context.Context, info RunInfo, results qatest.Results) error {
	records := Records(info, results)
	batch := make([]interface{}, 0, logstashBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.redis.RPush(ctx, l.key, batch...).Err(); err != nil {
			return fmt.Errorf("logstash: RPUSH %s: %w", l.key, err)
		}
		batch = batch[:0]
		return nil
	}
	for _, rec := range records {
		doc, err := EncodeRecord(info, rec)
		if err != nil {
			return err
		}
		batch = append(batch, string(doc))
		if len(batch) == logstashBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// Close releases the Redis connection pool.
func (l *LogstashUploader) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}
