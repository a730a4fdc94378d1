package rpc

import (
	"context"
	"time"
)

// BindNotify returns a callable bound to method, replacing the ergonomics
// of bridge.py's @bridge.notify("method") decorator: instead of decorating
// a function definition, the caller gets back a plain func value closing
// over the Bridge and method name.
func BindNotify(b *Bridge, method string) func(params ...any) {
	return func(params ...any) {
		b.Notify(method, params...)
	}
}

// BindCall returns a callable bound to method and timeout, the Go
// equivalent of @bridge.call("method", timeout=...).
func BindCall(b *Bridge, method string, timeout time.Duration) func(ctx context.Context, params ...any) (any, error) {
	return func(ctx context.Context, params ...any) (any, error) {
		return b.Call(ctx, method, timeout, params...)
	}
}

// BindProvide registers h under method, the equivalent of
// @bridge.provide("method").
func BindProvide(b *Bridge, method string, h Handler) error {
	return b.Provide(method, h)
}
