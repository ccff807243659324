package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"BookPulse/pkg/logger"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	Product string  `json:"product"`
	Mid     float64 `json:"mid"`
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload[point](point{Product: "BTC-USD", Mid: 1})
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", p.Product)

	// shape of a payload after a trip through Redis
	var decoded interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"product":"ETH-USD","mid":2.5}`), &decoded))
	p, err = ParsePayload[point](decoded)
	require.NoError(t, err)
	assert.Equal(t, 2.5, p.Mid)

	p, err = ParsePayload[point](json.RawMessage(`{"product":"SOL-USD"}`))
	require.NoError(t, err)
	assert.Equal(t, "SOL-USD", p.Product)

	_, err = ParsePayload[point](42)
	assert.ErrorContains(t, err, "invalid payload type")
}

func TestRetryDelay(t *testing.T) {
	base, max := 2*time.Second, 10*time.Second
	assert.Equal(t, 2*time.Second, RetryDelay(base, max, 1))
	assert.Equal(t, 4*time.Second, RetryDelay(base, max, 2))
	assert.Equal(t, 8*time.Second, RetryDelay(base, max, 3))
	assert.Equal(t, 10*time.Second, RetryDelay(base, max, 4))
	assert.Equal(t, 10*time.Second, RetryDelay(base, max, 30))
}

func echoJob(err error) Job {
	return JobFunc{JobName: "echo", MsgType: "echo.run", Fn: func(context.Context, interface{}) error { return err }}
}

func newTestQueue(mode QueueMode) *RedisQueue {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	return NewRedisQueue(logger.Nop(), &QueueConfig{RetryLimit: 2}, client, mode, WithKeyPrefix("test:queue"))
}

func TestQueueDefaultsAndKeys(t *testing.T) {
	q := newTestQueue(ModeProducerConsumer)
	assert.Equal(t, 1, q.config.Workers)
	assert.Equal(t, 2*time.Second, q.config.RetryDelay)
	assert.Equal(t, time.Minute, q.config.MaxRetryDelay)
	assert.Equal(t, "test:queue:messages", q.queueKey())
	assert.Equal(t, "test:queue:retry", q.retryKey())
	assert.Equal(t, "test:queue:dlq", q.deadLetterKey())
	assert.Equal(t, "producer-consumer", q.mode.String())
}

func TestQueueRegisterAndRun(t *testing.T) {
	q := newTestQueue(ModeConsumerOnly)
	boom := errors.New("clickhouse down")
	q.RegisterJobs(echoJob(boom), echoJob(nil))
	require.Len(t, q.jobs, 1, "duplicate type is ignored")

	assert.ErrorIs(t, q.run(Message{Type: "echo.run"}), boom)
	assert.ErrorIs(t, q.run(Message{Type: "other"}), errNoJob)

	p := newTestQueue(ModeProducerOnly)
	p.RegisterJob(echoJob(nil))
	assert.Empty(t, p.jobs)
}

func TestEnqueueRequiresStart(t *testing.T) {
	q := newTestQueue(ModeProducerOnly)
	assert.ErrorContains(t, q.PublishMessage(context.Background(), "echo.run", point{}), "not running")
	require.NoError(t, q.Stop(context.Background()))
}
