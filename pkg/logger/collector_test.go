package logger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	batches [][]AggregatedLogEntry
	topics  []string
}

func (c *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.batches = append(c.batches, payload.([]AggregatedLogEntry))
	return nil
}

func TestLogCollector_DeduplicatesAndFlushesOnClose(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{
		TimeInterval:   time.Hour,
		CountThreshold: 10,
		Topic:          "alerts",
		Service:        "candlecast",
		Publisher:      pub,
	})

	for i := 0; i < 3; i++ {
		c.AddLog("error", "backfill failed", map[string]interface{}{"start": 1}, "x.go:1")
	}
	c.AddLog("error", "stream failed", nil, "y.go:2")
	c.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "alerts", pub.topics[0])
	require.Len(t, pub.batches[0], 2)

	counts := map[string]int{}
	for _, e := range pub.batches[0] {
		counts[e.Message] = e.Count
		assert.Equal(t, "candlecast", e.Service)
	}
	assert.Equal(t, 3, counts["backfill failed"])
	assert.Equal(t, 1, counts["stream failed"])
}

func TestLogger_ErrorGoesToCollector(t *testing.T) {
	pub := &capturePublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 10, Topic: "t", Publisher: pub})

	l.Info("ignored")
	l.Warn("ignored too")
	l.Error("kept", String("symbol", "ETHUSDT"))
	l.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	require.Len(t, pub.batches[0], 1)
	assert.Equal(t, "kept", pub.batches[0][0].Message)
	assert.Equal(t, "ETHUSDT", pub.batches[0][0].Fields["symbol"])
}
