package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"BookPulse/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

// MessageHandler handles the records of one topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Brokers         []string
	GroupID         string
	AutoOffsetReset string
	WorkerCount     int
	BufferSize      int
	RetryMax        int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	DLQTopic        string
	MinBytes        int
	MaxBytes        int
	Logger          *logger.Logger
	Registerer      prometheus.Registerer
}

func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) { c.Brokers = brokers }
}

func WithConsumerGroupID(id string) ConsumerOption {
	return func(c *ConsumerConfig) {
		if id != "" {
			c.GroupID = id
		}
	}
}

// WithConsumerAutoOffsetReset picks where a new group starts: "earliest"
// or "latest".
func WithConsumerAutoOffsetReset(reset string) ConsumerOption {
	return func(c *ConsumerConfig) { c.AutoOffsetReset = reset }
}

// WithConsumerWorkers sets the handler goroutines. More than one worker
// gives up ordering across partitions.
func WithConsumerWorkers(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.WorkerCount = n
		}
	}
}

// WithConsumerRetry bounds redelivery of a failing record. Attempts after
// the first back off exponentially from min to max with jitter.
func WithConsumerRetry(max int, min, maxBackoff time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RetryMax = max
		c.BackoffMin = min
		c.BackoffMax = maxBackoff
	}
}

// WithConsumerDLQ parks records that exhausted their retries on topic.
// Without a DLQ such records are logged and skipped.
func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) { c.DLQTopic = topic }
}

func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if minBytes > 0 {
			c.MinBytes = minBytes
		}
		if maxBytes > 0 {
			c.MaxBytes = maxBytes
		}
	}
}

func WithConsumerLogger(l *logger.Logger) ConsumerOption {
	return func(c *ConsumerConfig) { c.Logger = l }
}

// WithConsumerBufferSize sets how many fetched records may wait for a worker.
func WithConsumerBufferSize(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithConsumerRegisterer exports consumer metrics to reg.
func WithConsumerRegisterer(reg prometheus.Registerer) ConsumerOption {
	return func(c *ConsumerConfig) { c.Registerer = reg }
}

// fetcher is the part of kafka.Reader the consumer drives.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type fetched struct {
	topic string
	msg   kafka.Message
	from  fetcher
}

// Consumer reads registered topics with a consumer group and hands records
// to their handlers. An offset is committed once its record is handled,
// parked on the DLQ or skipped, so a restart resumes at the first record
// without an outcome.
type Consumer struct {
	cfg       ConsumerConfig
	handlers  map[string]MessageHandler
	hook      ConsumerHook
	log       *logger.Logger
	metrics   *consumerMetrics
	newReader func(topic string) fetcher
	dlq       messageWriter

	queue   chan fetched
	readers []fetcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewConsumer creates a consumer. Readers are opened by Start.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := ConsumerConfig{
		GroupID:         "bookpulse",
		AutoOffsetReset: "earliest",
		WorkerCount:     1,
		BufferSize:      64,
		RetryMax:        3,
		BackoffMin:      50 * time.Millisecond,
		BackoffMax:      2 * time.Second,
		MinBytes:        1,
		MaxBytes:        10 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	m, err := newConsumerMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("consumer metrics: %w", err)
	}
	c := &Consumer{
		cfg:      cfg,
		handlers: make(map[string]MessageHandler),
		hook:     NoopHook{},
		log:      cfg.Logger,
		metrics:  m,
	}
	c.newReader = func(topic string) fetcher {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.GroupID,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			StartOffset: startOffset(cfg.AutoOffsetReset),
		})
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.Hash{}}
	}
	return c, nil
}

// RegisterHandler binds a handler to its topic. The first registration wins.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	if _, dup := c.handlers[h.Topic()]; dup {
		c.log.Warn("kafka consumer: duplicate handler ignored", logger.String("topic", h.Topic()))
		return
	}
	c.handlers[h.Topic()] = h
}

// WithConsumerHook installs h for every delivery.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// Start opens one reader per topic and the worker pool.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no handlers registered")
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.queue = make(chan fetched, c.cfg.BufferSize)

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.wg.Add(1)
		go c.work()
	}
	for topic := range c.handlers {
		r := c.newReader(topic)
		c.readers = append(c.readers, r)
		c.wg.Add(1)
		go c.fetch(topic, r)
	}
	c.log.Info("kafka consumer: started",
		logger.String("group", c.cfg.GroupID),
		logger.Int("topics", len(c.readers)),
		logger.Int("workers", c.cfg.WorkerCount))
	return nil
}

// Stop cancels fetching and in-flight handling, then closes the readers.
// Records handed to workers but not finished are redelivered on restart.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()

		done := make(chan struct{})
		go func() { c.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("kafka consumer: stop: %w", ctx.Err())
		}

		for _, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Warn("kafka consumer: close reader", logger.Error(cerr))
			}
		}
		if c.dlq != nil {
			if cerr := c.dlq.Close(); cerr != nil {
				c.log.Warn("kafka consumer: close dlq writer", logger.Error(cerr))
			}
		}
		c.log.Info("kafka consumer: stopped")
	})
	return err
}

func (c *Consumer) fetch(topic string, r fetcher) {
	defer c.wg.Done()
	for {
		msg, err := r.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("kafka consumer: fetch", logger.String("topic", topic), logger.Error(err))
			if !sleepCtx(c.ctx, c.cfg.BackoffMin) {
				return
			}
			continue
		}
		select {
		case c.queue <- fetched{topic: topic, msg: msg, from: r}:
			c.metrics.backlog(topic, len(c.queue))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) work() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.queue:
			c.process(f)
		}
	}
}

func (c *Consumer) process(f fetched) {
	h, ok := c.handlers[f.topic]
	if !ok {
		return
	}
	start := time.Now()
	attempts, err := c.deliver(h, f)
	if c.ctx.Err() != nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		c.hook.OnError(c.ctx, Delivery{Topic: f.topic, Message: f.msg, Data: f.msg.Value, Attempt: attempts}, err)
		c.log.Error("kafka consumer: giving up on record",
			logger.String("topic", f.topic),
			logger.Int("partition", f.msg.Partition),
			logger.Int64("offset", f.msg.Offset),
			logger.Int("attempts", attempts),
			logger.Error(err))
		if c.dlq == nil {
			outcome = "skipped"
		} else if !c.park(f) {
			c.metrics.done(f.topic, "stuck", time.Since(start))
			return
		} else {
			outcome = "dlq"
		}
	}
	c.commit(f)
	c.metrics.done(f.topic, outcome, time.Since(start))
}

// deliver runs the handler until it succeeds, retries run out, or the
// consumer stops. It returns the number of attempts made.
func (c *Consumer) deliver(h MessageHandler, f fetched) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		err = c.attempt(h, Delivery{Topic: f.topic, Message: f.msg, Data: f.msg.Value, Attempt: attempt})
		if err == nil || attempt > c.cfg.RetryMax {
			return attempt, err
		}
		if !sleepCtx(c.ctx, backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) {
			return attempt, c.ctx.Err()
		}
	}
}

func (c *Consumer) attempt(h MessageHandler, d Delivery) (err error) {
	ctx, err := c.hook.BeforeHandle(c.ctx, &d)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		c.hook.AfterHandle(ctx, d, err)
	}()
	return h.Handle(ctx, d.Data)
}

// park writes f to the DLQ and reports whether its offset may be committed.
// A failed park leaves the record uncommitted for redelivery after restart.
func (c *Consumer) park(f fetched) bool {
	hdrs := make([]kafka.Header, 0, len(f.msg.Headers)+2)
	hdrs = append(hdrs, f.msg.Headers...)
	hdrs = append(hdrs,
		kafka.Header{Key: "source_topic", Value: []byte(f.topic)},
		kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(f.msg.Offset, 10))},
	)
	err := c.dlq.WriteMessages(c.ctx, kafka.Message{
		Topic:   c.cfg.DLQTopic,
		Key:     f.msg.Key,
		Value:   f.msg.Value,
		Headers: hdrs,
	})
	if err != nil {
		c.log.Error("kafka consumer: write dlq", logger.String("topic", c.cfg.DLQTopic), logger.Error(err))
		return false
	}
	return true
}

func (c *Consumer) commit(f fetched) {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
		err = f.from.CommitMessages(ctx, f.msg)
		cancel()
		if err == nil {
			return
		}
		if !sleepCtx(c.ctx, backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt)) {
			return
		}
	}
	c.log.Error("kafka consumer: commit offset",
		logger.String("topic", f.topic),
		logger.Int64("offset", f.msg.Offset),
		logger.Error(err))
}

func startOffset(reset string) int64 {
	if reset == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

// backoffWithJitter doubles min per attempt up to max and trims up to half
// of it at random.
func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := max
	if attempt < 32 {
		if exp := min << uint(attempt-1); exp > 0 && exp < max {
			d = exp
		}
	}
	if half := int64(d) / 2; half > 0 {
		d -= time.Duration(rand.Int63n(half))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type consumerMetrics struct {
	queued  *prometheus.GaugeVec
	handled *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func newConsumerMetrics(reg prometheus.Registerer) (*consumerMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &consumerMetrics{
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookpulse_kafka_consumer_queued",
			Help: "Fetched records waiting for a worker",
		}, []string{"topic"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookpulse_kafka_consumer_records_total",
			Help: "Records finished by outcome",
		}, []string{"topic", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bookpulse_kafka_consumer_handle_seconds",
			Help:    "Time from first attempt to final outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
	for _, col := range []prometheus.Collector{m.queued, m.handled, m.latency} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *consumerMetrics) backlog(topic string, n int) {
	if m != nil {
		m.queued.WithLabelValues(topic).Set(float64(n))
	}
}

func (m *consumerMetrics) done(topic, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(topic, outcome).Inc()
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
}
