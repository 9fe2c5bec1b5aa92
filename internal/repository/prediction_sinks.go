package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/domain/repository"
	"CandleCast/pkg/cache"
	pkgkafka "CandleCast/pkg/kafka"
)

// KafkaPredictionPublisher emits each prediction set as one JSON message keyed by symbol.
type KafkaPredictionPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaPredictionPublisher(producer *pkgkafka.Producer, topic string) *KafkaPredictionPublisher {
	return &KafkaPredictionPublisher{producer: producer, topic: topic}
}

var _ repository.PredictionSink = (*KafkaPredictionPublisher)(nil)

func (p *KafkaPredictionPublisher) Publish(ctx context.Context, set *models.PredictionSet) error {
	return p.producer.Publish(ctx, p.topic, []byte(set.Symbol), set)
}

// Close is a no-op; the producer is shared with the log collector and closed by the app.
func (p *KafkaPredictionPublisher) Close() error { return nil }

// channelPublisher is satisfied by *cache.RedisCache.
type channelPublisher interface {
	Publish(ctx context.Context, channel string, value interface{}) error
}

// PredictionCache keeps the newest prediction set under a fixed key and, when the
// backing cache supports it, announces it on a pub/sub channel.
type PredictionCache struct {
	cache   cache.Service
	pub     channelPublisher
	key     string
	channel string
	ttl     time.Duration
}

func NewPredictionCache(c cache.Service, symbol string, ttl time.Duration) *PredictionCache {
	pc := &PredictionCache{
		cache:   c,
		key:     "predictions:latest:" + symbol,
		channel: "predictions:" + symbol,
		ttl:     ttl,
	}
	if p, ok := c.(channelPublisher); ok {
		pc.pub = p
	}
	return pc
}

var _ repository.PredictionSink = (*PredictionCache)(nil)

func (c *PredictionCache) Publish(ctx context.Context, set *models.PredictionSet) error {
	if err := c.cache.Set(ctx, c.key, set, c.ttl); err != nil {
		return fmt.Errorf("cache latest predictions: %w", err)
	}
	if c.pub != nil {
		if err := c.pub.Publish(ctx, c.channel, set); err != nil {
			return fmt.Errorf("publish predictions: %w", err)
		}
	}
	return nil
}

// Latest returns the cached set, or nil when nothing is cached.
func (c *PredictionCache) Latest(ctx context.Context) (*models.PredictionSet, error) {
	var set models.PredictionSet
	if err := c.cache.Get(ctx, c.key, &set); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &set, nil
}

func (c *PredictionCache) Close() error { return nil }
