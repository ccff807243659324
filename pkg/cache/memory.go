package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryOption configures MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryMaxSize bounds the entry count; the least recently used entry
// is evicted first.
func WithMemoryMaxSize(n int) MemoryOption {
	return func(m *MemoryCache) {
		if n > 0 {
			m.maxSize = n
		}
	}
}

// WithMemoryDefaultTTL applies to Set calls without an expiration.
func WithMemoryDefaultTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryCache) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

type memEntry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// MemoryCache is an in-process LRU with per-entry expiry.
type MemoryCache struct {
	maxSize    int
	sweepEvery time.Duration
	defaultTTL time.Duration
	now        func() time.Time

	mu    sync.Mutex
	order *list.List // front is most recently used
	items map[string]*list.Element

	stop chan struct{}
	once sync.Once
}

func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	m := &MemoryCache{
		maxSize:    1000,
		sweepEvery: 5 * time.Minute,
		defaultTTL: 24 * time.Hour,
		now:        time.Now,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweep()
	return m
}

func (m *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if expiration <= 0 {
		expiration = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{key: key, value: data, expireAt: m.now().Add(expiration)}
	if el, ok := m.items[key]; ok {
		el.Value = e
		m.order.MoveToFront(el)
		return nil
	}
	m.items[key] = m.order.PushFront(e)
	for m.order.Len() > m.maxSize {
		m.remove(m.order.Back())
	}
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	el, ok := m.items[key]
	if !ok {
		m.mu.Unlock()
		return ErrCacheMiss
	}
	e := el.Value.(*memEntry)
	if !m.now().Before(e.expireAt) {
		m.remove(el)
		m.mu.Unlock()
		return ErrCacheMiss
	}
	m.order.MoveToFront(el)
	data := e.value
	m.mu.Unlock()
	return decode(data, dest)
}

func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if el, ok := m.items[k]; ok {
			m.remove(el)
		}
	}
	return nil
}

func (m *MemoryCache) Exists(_ context.Context, keys ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, k := range keys {
		if el, ok := m.items[k]; ok && now.Before(el.Value.(*memEntry).expireAt) {
			return true, nil
		}
	}
	return false, nil
}

// Len counts entries including expired ones not yet swept.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *MemoryCache) remove(el *list.Element) {
	m.order.Remove(el)
	delete(m.items, el.Value.(*memEntry).key)
}

func (m *MemoryCache) sweep() {
	t := time.NewTicker(m.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
		m.mu.Lock()
		now := m.now()
		for el := m.order.Back(); el != nil; {
			prev := el.Prev()
			if !now.Before(el.Value.(*memEntry).expireAt) {
				m.remove(el)
			}
			el = prev
		}
		m.mu.Unlock()
	}
}

// Close stops the sweeper.
func (m *MemoryCache) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

var _ Service = (*MemoryCache)(nil)
