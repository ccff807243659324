package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	digests []Digest
}

func (p *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.digests = append(p.digests, payload.(Digest))
	return nil
}

func (p *capturePublisher) all() []Digest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Digest(nil), p.digests...)
}

func TestFieldsAndChildLogger(t *testing.T) {
	var buf bytes.Buffer
	l := (&Logger{zl: zerolog.New(&buf)}).With(String("product", "BTC-USD"))
	l.Info("sampled",
		Int("levels", 3),
		Uint64("job", 7),
		Float64("mid", 100.5),
		Duration("took", 1500*time.Millisecond),
		Bool("crossed", false),
		Strings("brokers", []string{"a:9092", "b:9092"}),
		Error(errors.New("boom")))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "BTC-USD", line["product"])
	assert.Equal(t, "sampled", line["message"])
	assert.EqualValues(t, 3, line["levels"])
	assert.EqualValues(t, 7, line["job"])
	assert.EqualValues(t, 100.5, line["mid"])
	assert.EqualValues(t, 1500, line["took"])
	assert.Equal(t, false, line["crossed"])
	assert.Equal(t, []interface{}{"a:9092", "b:9092"}, line["brokers"])
	assert.Equal(t, "boom", line["error"])
}

func TestCollectorAggregatesRepeats(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newCollector(&CollectionConfig{CountThreshold: 10}, func() time.Time { return now })

	c.AddLog("error", "feed read failed", map[string]interface{}{"attempt": 1}, "usecase/feed.go:10")
	now = now.Add(time.Second)
	c.AddLog("error", "feed read failed", map[string]interface{}{"attempt": 2}, "usecase/feed.go:10")
	c.AddLog("error", "archive write failed", nil, "middleware/archive.go:20")

	got := c.drain()
	require.Len(t, got, 2)
	assert.Equal(t, "feed read failed", got[0].Message)
	assert.Equal(t, 2, got[0].Count)
	assert.Equal(t, 1, got[0].Fields["attempt"])
	assert.Equal(t, now, got[0].LastSeen)
	assert.Nil(t, c.drain())
}

func TestCollectorShipsOnThresholdAndClose(t *testing.T) {
	pub := &capturePublisher{}
	var buf bytes.Buffer
	l := &Logger{zl: zerolog.New(&buf)}
	l.AddCollector(&CollectionConfig{
		TimeInterval:   time.Hour,
		CountThreshold: 2,
		Topic:          "bookpulse.logs",
		Source:         "bookpulse/BTC-USD",
		Publisher:      pub,
	})

	l.Warn("ignored without IncludeWarnings")
	l.Error("first")
	l.Error("second")
	require.Eventually(t, func() bool { return len(pub.all()) == 1 }, time.Second, 5*time.Millisecond)

	l.Error("third")
	l.RemoveCollector()

	digests := pub.all()
	require.Len(t, digests, 2)
	assert.Equal(t, "bookpulse.logs", pub.topic)
	assert.Equal(t, "bookpulse/BTC-USD", digests[0].Source)
	assert.Len(t, digests[0].Entries, 2)
	assert.Equal(t, "third", digests[1].Entries[0].Message)
	assert.Contains(t, digests[1].Entries[0].Caller, "logger_test.go:")

	assert.NotPanics(t, func() { l.Error("after close") })
}
