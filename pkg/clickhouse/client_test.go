package clickhouse

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
)

func TestOptionsNative(t *testing.T) {
	cfg := ClientConfig{Host: "ch", Port: 9000, Database: "bookpulse", User: "default", Password: "p@ss", DialTimeout: 5 * time.Second}
	opts := options(cfg)
	assert.Equal(t, []string{"ch:9000"}, opts.Addr)
	assert.Equal(t, clickhouse.Native, opts.Protocol)
	assert.Equal(t, "p@ss", opts.Auth.Password)
	assert.Equal(t, "bookpulse", opts.Auth.Database)
	assert.Empty(t, opts.Settings)
}

func TestOptionsHTTPWithSettings(t *testing.T) {
	cfg := ClientConfig{Host: "ch", Port: 8123, UseHTTP: true, MaxExecTime: 30 * time.Second, AsyncInsert: true, WaitForAsync: true}
	opts := options(cfg)
	assert.Equal(t, clickhouse.HTTP, opts.Protocol)
	assert.Equal(t, clickhouse.Settings{
		"max_execution_time":    30,
		"async_insert":          1,
		"wait_for_async_insert": 1,
	}, opts.Settings)
}

func TestNewClientRequiresHost(t *testing.T) {
	_, err := NewClient(WithHost(""))
	assert.EqualError(t, err, "host is required")
}
