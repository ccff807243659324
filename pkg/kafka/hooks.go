package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Delivery is one attempt at handling a fetched record.
type Delivery struct {
	Topic   string
	Message kafka.Message
	// Data starts as Message.Value; a BeforeHandle hook may replace it.
	Data    []byte
	Attempt int
}

// ConsumerHook observes message handling. BeforeHandle may rewrite the
// delivery payload or veto the attempt by returning an error, which is then
// treated like a handler failure.
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, d *Delivery) (context.Context, error)
	AfterHandle(ctx context.Context, d Delivery, err error)
	OnError(ctx context.Context, d Delivery, err error)
}

// NoopHook does nothing.
type NoopHook struct{}

func (NoopHook) BeforeHandle(ctx context.Context, _ *Delivery) (context.Context, error) {
	return ctx, nil
}
func (NoopHook) AfterHandle(context.Context, Delivery, error) {}
func (NoopHook) OnError(context.Context, Delivery, error)     {}

// HookFuncs builds a ConsumerHook from optional functions.
type HookFuncs struct {
	Before func(context.Context, *Delivery) (context.Context, error)
	After  func(context.Context, Delivery, error)
	Err    func(context.Context, Delivery, error)
}

func (h HookFuncs) BeforeHandle(ctx context.Context, d *Delivery) (context.Context, error) {
	if h.Before == nil {
		return ctx, nil
	}
	return h.Before(ctx, d)
}

func (h HookFuncs) AfterHandle(ctx context.Context, d Delivery, err error) {
	if h.After != nil {
		h.After(ctx, d, err)
	}
}

func (h HookFuncs) OnError(ctx context.Context, d Delivery, err error) {
	if h.Err != nil {
		h.Err(ctx, d, err)
	}
}

// HookError wraps a failure raised inside a hook.
type HookError struct {
	Code string
	Err  error
}

func (e *HookError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// HookChain runs hooks in order for BeforeHandle and in reverse for
// AfterHandle. A panicking hook never reaches the consumer.
type HookChain struct {
	hooks []ConsumerHook
}

// NewHookChain drops nil hooks.
func NewHookChain(hooks ...ConsumerHook) *HookChain {
	c := &HookChain{}
	for _, h := range hooks {
		if h != nil {
			c.hooks = append(c.hooks, h)
		}
	}
	return c
}

func (c *HookChain) BeforeHandle(ctx context.Context, d *Delivery) (context.Context, error) {
	for _, h := range c.hooks {
		next, err := safeBefore(h, ctx, d)
		if err != nil {
			c.OnError(ctx, *d, err)
			return ctx, err
		}
		ctx = next
	}
	return ctx, nil
}

func (c *HookChain) AfterHandle(ctx context.Context, d Delivery, err error) {
	for i := len(c.hooks) - 1; i >= 0; i-- {
		h := c.hooks[i]
		guard(func() { h.AfterHandle(ctx, d, err) })
	}
}

func (c *HookChain) OnError(ctx context.Context, d Delivery, err error) {
	for _, h := range c.hooks {
		h := h
		guard(func() { h.OnError(ctx, d, err) })
	}
}

func safeBefore(h ConsumerHook, ctx context.Context, d *Delivery) (next context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = ctx, &HookError{Code: "ERR_PANIC", Err: fmt.Errorf("hook panic: %v", r)}
		}
	}()
	return h.BeforeHandle(ctx, d)
}

func guard(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
