package logger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Publisher ships digests, usually to a Kafka topic.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type CollectionConfig struct {
	TimeInterval    time.Duration // flush period, 30s when unset
	CountThreshold  int           // distinct lines that force an early flush, 100 when unset
	Topic           string
	Source          string // stamped on every digest
	Publisher       Publisher
	IncludeWarnings bool
}

// Digest is one flush of de-duplicated log lines.
type Digest struct {
	Source    string               `json:"source"`
	FlushedAt time.Time            `json:"flushed_at"`
	Entries   []AggregatedLogEntry `json:"entries"`
}

// AggregatedLogEntry counts repeats of one line. Lines repeat when level,
// caller and message match; Fields are those of the first occurrence.
type AggregatedLogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// LogCollector aggregates repeated lines so a reconnect storm becomes one
// digest entry instead of thousands of messages.
type LogCollector struct {
	config *CollectionConfig
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*AggregatedLogEntry
	closed  bool

	flushes chan []AggregatedLogEntry
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	c := newCollector(config, time.Now)
	c.wg.Add(2)
	go c.tick()
	go c.ship()
	return c
}

func newCollector(config *CollectionConfig, now func() time.Time) *LogCollector {
	if config.TimeInterval <= 0 {
		config.TimeInterval = 30 * time.Second
	}
	if config.CountThreshold <= 0 {
		config.CountThreshold = 100
	}
	return &LogCollector{
		config:  config,
		now:     now,
		entries: make(map[string]*AggregatedLogEntry),
		flushes: make(chan []AggregatedLogEntry, 4),
		stop:    make(chan struct{}),
	}
}

// AddLog records one line. Reaching CountThreshold distinct lines hands the
// batch to the shipper without waiting for the next tick.
func (c *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := c.now()
	key := level + "|" + caller + "|" + message

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if e, ok := c.entries[key]; ok {
		e.Count++
		e.LastSeen = now
	} else {
		c.entries[key] = &AggregatedLogEntry{
			Level: level, Message: message, Fields: fields, Caller: caller,
			Count: 1, FirstSeen: now, LastSeen: now,
		}
	}
	if len(c.entries) < c.config.CountThreshold {
		return
	}
	batch := c.take()
	select {
	case c.flushes <- batch:
	default:
		fmt.Fprintf(os.Stderr, "log collector: dropping %d entries, shipper busy\n", len(batch))
	}
}

// take empties the collector. Callers hold mu.
func (c *LogCollector) take() []AggregatedLogEntry {
	if len(c.entries) == 0 {
		return nil
	}
	out := make([]AggregatedLogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	c.entries = make(map[string]*AggregatedLogEntry)
	return out
}

func (c *LogCollector) drain() []AggregatedLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.take()
}

func (c *LogCollector) tick() {
	defer c.wg.Done()
	defer close(c.flushes)
	t := time.NewTicker(c.config.TimeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if batch := c.drain(); batch != nil {
				c.flushes <- batch
			}
		case <-c.stop:
			c.mu.Lock()
			batch := c.take()
			c.closed = true
			c.mu.Unlock()
			if batch != nil {
				c.flushes <- batch
			}
			return
		}
	}
}

func (c *LogCollector) ship() {
	defer c.wg.Done()
	for batch := range c.flushes {
		c.publish(batch)
	}
}

func (c *LogCollector) publish(entries []AggregatedLogEntry) {
	if c.config.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d := Digest{Source: c.config.Source, FlushedAt: c.now().UTC(), Entries: entries}
	if err := c.config.Publisher.PublishMessage(ctx, c.config.Topic, d); err != nil {
		fmt.Fprintf(os.Stderr, "log collector: publish %d entries: %v\n", len(entries), err)
	}
}

// Close flushes what is pending and waits for it to be published.
func (c *LogCollector) Close() {
	c.once.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
}
