package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multpex/linkd/pkg/errors"
)

func okHandler(v any) Handler {
	return func(*Context) (any, error) { return v, nil }
}

func TestHandlerRegistryReplace(t *testing.T) {
	hr := NewHandlerRegistry()
	hr.Register("foo", okHandler("first"), AuthRequired(), WithMaxInFlight(1))
	hr.Register("foo", okHandler("second"))

	assert.Equal(t, 1, hr.Len())
	reg, ok := hr.Lookup("foo")
	require.True(t, ok)
	assert.False(t, reg.Options.AuthRequired)
	assert.Nil(t, reg.sem)

	v, err := reg.Handler(&Context{Context: context.Background()})
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	assert.True(t, hr.Unregister("foo"))
	assert.False(t, hr.Unregister("foo"))
	_, ok = hr.Lookup("foo")
	assert.False(t, ok)
}

func TestHandlerRegistryOptions(t *testing.T) {
	hr := NewHandlerRegistry()
	reg := hr.Register("admin.kick", okHandler(nil),
		WithRoles("admin", "moderator"),
		WithTimeout(2*time.Second),
		WithMaxInFlight(4),
		Inline())

	assert.True(t, reg.Options.AuthRequired)
	assert.Equal(t, []string{"admin", "moderator"}, reg.Options.Roles)
	assert.Equal(t, 2*time.Second, reg.Options.Timeout)
	assert.Equal(t, 4, reg.Options.MaxInFlight)
	assert.True(t, reg.Options.Inline)
	assert.NotNil(t, reg.sem)
}

func TestHandlerRegistryConfigOverride(t *testing.T) {
	disabled := false
	cfg := DefaultConfig()
	cfg.Handlers = []HandlerOverride{
		{Name: "chat.send", TimeoutMs: 500, MaxInFlight: 8},
		{Name: "chat.history", AuthRequired: &disabled},
		{Name: "admin.stats", Roles: []string{"ops"}},
	}
	hr := NewHandlerRegistry()
	hr.overrides = cfg.override

	send := hr.Register("chat.send", okHandler(nil), WithTimeout(time.Second))
	assert.Equal(t, 500*time.Millisecond, send.Options.Timeout)
	assert.Equal(t, 8, send.Options.MaxInFlight)

	history := hr.Register("chat.history", okHandler(nil), AuthRequired())
	assert.False(t, history.Options.AuthRequired)

	stats := hr.Register("admin.stats", okHandler(nil))
	assert.True(t, stats.Options.AuthRequired)
	assert.Equal(t, []string{"ops"}, stats.Options.Roles)

	other := hr.Register("other", okHandler(nil), WithTimeout(time.Second))
	assert.Equal(t, time.Second, other.Options.Timeout)
}

func TestHandlerRegistryMiddlewareOrder(t *testing.T) {
	hr := NewHandlerRegistry()
	var order []string
	mark := func(name string) Middleware {
		return func(c *Context, next Next) (any, error) {
			order = append(order, name)
			return next()
		}
	}

	hr.Register("chat.send", func(*Context) (any, error) {
		order = append(order, "handler")
		return "ok", nil
	})
	hr.Register("room.join", okHandler(nil))

	hr.UseFor("chat.*", mark("glob"))
	hr.Use(mark("global-1"))
	hr.UseFor("chat.send", mark("exact"))
	hr.Use(mark("global-2"))
	hr.UseFor("room.*", mark("room"))

	reg, chain, ok := hr.resolve("chat.send")
	require.True(t, ok)
	v, err := runChain(&Context{Context: context.Background()}, chain, reg.Handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, []string{"global-1", "global-2", "glob", "exact", "handler"}, order)

	_, _, ok = hr.resolve("missing")
	assert.False(t, ok)
}

func TestShortCircuitMiddleware(t *testing.T) {
	hr := NewHandlerRegistry()
	called := false
	hr.Register("chat.send", func(*Context) (any, error) {
		called = true
		return nil, nil
	})
	hr.Use(func(c *Context, next Next) (any, error) {
		v, err := next()
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	hr.UseFor("chat.send", ShortCircuit(errors.ErrForbidden))

	reg, chain, _ := hr.resolve("chat.send")
	_, err := runChain(&Context{Context: context.Background()}, chain, reg.Handler)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
	assert.False(t, called)
}

func TestHandlerRegistryNames(t *testing.T) {
	hr := NewHandlerRegistry()
	for _, n := range []string{"b", "a", "c"} {
		hr.Register(n, okHandler(nil))
	}
	assert.Equal(t, []string{"a", "b", "c"}, hr.Names())
}

func TestSetOverridesRebuildsRegistrations(t *testing.T) {
	hr := NewHandlerRegistry()
	hr.Register("chat.send", okHandler("ok"), WithTimeout(time.Second))

	hr.SetOverrides(func(name string) (HandlerOverride, bool) {
		if name == "chat.send" {
			return HandlerOverride{Name: name, Roles: []string{"admin"}, MaxInFlight: 2}, true
		}
		return HandlerOverride{}, false
	})

	reg, ok := hr.Lookup("chat.send")
	require.True(t, ok)
	assert.True(t, reg.Options.AuthRequired)
	assert.Equal(t, []string{"admin"}, reg.Options.Roles)
	assert.Equal(t, time.Second, reg.Options.Timeout)
	assert.NotNil(t, reg.sem)

	hr.SetOverrides(nil)
	reg, _ = hr.Lookup("chat.send")
	assert.False(t, reg.Options.AuthRequired)
	assert.Empty(t, reg.Options.Roles)
	assert.Nil(t, reg.sem)
}

func TestPatternMiddlewaresKeepRegistrationOrder(t *testing.T) {
	hr := NewHandlerRegistry()
	var order []string
	mark := func(name string) Middleware {
		return func(c *Context, next Next) (any, error) {
			order = append(order, name)
			return next()
		}
	}
	hr.Register("chat.send", okHandler("ok"))
	hr.UseFor("chat.*", mark("glob-first"))
	hr.UseFor("chat.send", mark("exact-second"))
	hr.UseFor("chat.*", mark("glob-third"))
	hr.UseFor("room.*", mark("other"))

	reg, chain, ok := hr.resolve("chat.send")
	require.True(t, ok)
	_, err := runChain(&Context{Context: context.Background()}, chain, reg.Handler)
	require.NoError(t, err)
	assert.Equal(t, []string{"glob-first", "exact-second", "glob-third"}, order)
}

func TestSetOverridesKeepsSemaphoreWhenLimitUnchanged(t *testing.T) {
	hr := NewHandlerRegistry()
	hr.Register("chat.send", okHandler("ok"), WithMaxInFlight(1))
	before, _ := hr.Lookup("chat.send")
	require.True(t, before.sem.TryAcquire(1))
	defer before.sem.Release(1)

	// 只改超时，在途调用仍占用原信号量
	hr.SetOverrides(func(name string) (HandlerOverride, bool) {
		return HandlerOverride{Name: name, TimeoutMs: 500}, true
	})
	after, _ := hr.Lookup("chat.send")
	assert.NotSame(t, before, after)
	assert.Equal(t, 500*time.Millisecond, after.Options.Timeout)
	assert.Same(t, before.sem, after.sem)
	assert.False(t, after.sem.TryAcquire(1))

	hr.SetOverrides(func(name string) (HandlerOverride, bool) {
		return HandlerOverride{Name: name, MaxInFlight: 3}, true
	})
	resized, _ := hr.Lookup("chat.send")
	assert.NotSame(t, before.sem, resized.sem)
	assert.Equal(t, 3, resized.Options.MaxInFlight)
}
