package dcontext

import (
	"context"
	"sync"

	"github.com/twopence/twopence/version"
)

var (
	backgroundOnce sync.Once
	background     context.Context
)

// Background returns a non-nil, empty Context carrying the version of the
// running binary, so loggers derived from it report it.
func Background() context.Context {
	backgroundOnce.Do(func() {
		background = WithVersion(context.Background(), version.Version())
	})
	return background
}

// stringMapContext is a simple context implementation that checks a map for a
// key, falling back to a parent if not present.
type stringMapContext struct {
	context.Context
	m map[string]any
}

// WithValues returns a context that proxies lookups through a map. Only
// supports string keys.
func WithValues(ctx context.Context, m map[string]any) context.Context {
	mo := make(map[string]any, len(m)) // make our own copy.
	for k, v := range m {
		mo[k] = v
	}

	return stringMapContext{
		Context: ctx,
		m:       mo,
	}
}

func (smc stringMapContext) Value(key any) any {
	if ks, ok := key.(string); ok {
		if v, ok := smc.m[ks]; ok {
			return v
		}
	}

	return smc.Context.Value(key)
}

// GetStringValue returns a string value from the context. The empty string
// will be returned if not found.
func GetStringValue(ctx context.Context, key any) (value string) {
	if valuev, ok := ctx.Value(key).(string); ok {
		value = valuev
	}
	return value
}

type versionKey struct{}

func (versionKey) String() string { return "version" }

// WithVersion stores the application version in the context. The new context
// gets a logger to ensure log messages are marked with the application
// version.
func WithVersion(ctx context.Context, version string) context.Context {
	ctx = context.WithValue(ctx, versionKey{}, version)
	// push a new logger onto the stack
	return WithLogger(ctx, GetLogger(ctx, versionKey{}))
}

// GetVersion returns the application version from the context. An empty
// string may returned if the version was not set on the context.
func GetVersion(ctx context.Context) string {
	return GetStringValue(ctx, versionKey{})
}

type imageSpecKey struct{}

func (imageSpecKey) String() string { return "image" }

// WithImageSpec returns a context whose logger reports the image store spec
// (for example "dir:/tmp/foo") the current operation works on.
func WithImageSpec(ctx context.Context, spec string) context.Context {
	ctx = context.WithValue(ctx, imageSpecKey{}, spec)
	return WithLogger(ctx, GetLogger(ctx, imageSpecKey{}))
}

// GetImageSpec returns the image store spec stored by WithImageSpec.
func GetImageSpec(ctx context.Context) string {
	return GetStringValue(ctx, imageSpecKey{})
}
