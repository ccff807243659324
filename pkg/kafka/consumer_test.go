package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued records, then blocks until cancelled.
type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type scriptHandler struct {
	topic string
	fail  map[string]int // payload -> failures before success; -1 fails forever

	mu    sync.Mutex
	calls []string
}

func (h *scriptHandler) Topic() string { return h.topic }

func (h *scriptHandler) Handle(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := string(data)
	h.calls = append(h.calls, p)
	switch n := h.fail[p]; {
	case n < 0:
		return errors.New("rejected " + p)
	case n > 0:
		h.fail[p] = n - 1
		return errors.New("transient " + p)
	}
	return nil
}

func (h *scriptHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func records(payloads ...string) []kafka.Message {
	out := make([]kafka.Message, len(payloads))
	for i, p := range payloads {
		out[i] = kafka.Message{Topic: "raw", Offset: int64(i), Value: []byte(p)}
	}
	return out
}

func newTestConsumer(t *testing.T, r *fakeReader, opts ...ConsumerOption) *Consumer {
	t.Helper()
	opts = append([]ConsumerOption{
		WithConsumerBrokers([]string{"127.0.0.1:1"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
		WithConsumerRegisterer(prometheus.NewRegistry()),
	}, opts...)
	c, err := NewConsumer(opts...)
	require.NoError(t, err)
	c.newReader = func(string) fetcher { return r }
	return c
}

func stop(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestConsumerHandlesInOrderAndRetries(t *testing.T) {
	r := &fakeReader{pending: records("a", "b", "c")}
	h := &scriptHandler{topic: "raw", fail: map[string]int{"b": 2}}
	c := newTestConsumer(t, r)
	c.RegisterHandler(h)
	c.RegisterHandler(&scriptHandler{topic: "raw"})

	var attempts []int
	var mu sync.Mutex
	c.WithConsumerHook(HookFuncs{After: func(_ context.Context, d Delivery, _ error) {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		mu.Unlock()
	}})

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, time.Second, 2*time.Millisecond)
	stop(t, c)

	assert.Equal(t, []string{"a", "b", "b", "b", "c"}, h.seen())
	assert.Equal(t, []int64{0, 1, 2}, r.commits())
	mu.Lock()
	assert.Equal(t, []int{1, 1, 2, 3, 1}, attempts)
	mu.Unlock()
	assert.True(t, r.closed)
}

func TestConsumerParksPoisonRecords(t *testing.T) {
	r := &fakeReader{pending: records("ok", "bad", "ok2")}
	h := &scriptHandler{topic: "raw", fail: map[string]int{"bad": -1}}
	dlq := &fakeWriter{}
	c := newTestConsumer(t, r, WithConsumerDLQ("raw.dlq"))
	c.dlq = dlq
	c.RegisterHandler(h)

	var failed []Delivery
	var mu sync.Mutex
	c.WithConsumerHook(HookFuncs{Err: func(_ context.Context, d Delivery, _ error) {
		mu.Lock()
		failed = append(failed, d)
		mu.Unlock()
	}})

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, time.Second, 2*time.Millisecond)
	stop(t, c)

	parked := dlq.written()
	require.Len(t, parked, 1)
	assert.Equal(t, "raw.dlq", parked[0].Topic)
	assert.Equal(t, "bad", string(parked[0].Value))
	assert.Contains(t, parked[0].Headers, kafka.Header{Key: "source_offset", Value: []byte("1")})

	mu.Lock()
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempt)
	mu.Unlock()
}

func TestConsumerKeepsRecordWhenDLQFails(t *testing.T) {
	r := &fakeReader{pending: records("bad")}
	h := &scriptHandler{topic: "raw", fail: map[string]int{"bad": -1}}
	c := newTestConsumer(t, r, WithConsumerDLQ("raw.dlq"), WithConsumerRetry(0, time.Millisecond, time.Millisecond))
	c.dlq = &fakeWriter{err: errors.New("broker down")}
	c.RegisterHandler(h)

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return len(h.seen()) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	stop(t, c)

	assert.Empty(t, r.commits())
}

func TestConsumerRecoversHandlerPanic(t *testing.T) {
	r := &fakeReader{pending: records("x")}
	c := newTestConsumer(t, r, WithConsumerRetry(0, time.Millisecond, time.Millisecond))
	c.RegisterHandler(panicHandler{})

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, time.Second, 2*time.Millisecond)
	stop(t, c)
}

type panicHandler struct{}

func (panicHandler) Topic() string                        { return "raw" }
func (panicHandler) Handle(context.Context, []byte) error { panic("boom") }

func TestConsumerRequiresBrokersAndHandlers(t *testing.T) {
	_, err := NewConsumer()
	assert.Error(t, err)

	c, err := NewConsumer(WithConsumerBrokers([]string{"127.0.0.1:1"}))
	require.NoError(t, err)
	assert.Error(t, c.Start())
	assert.NoError(t, c.Stop(context.Background()))
}
