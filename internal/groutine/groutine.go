// Package groutine starts background goroutines labelled for pprof so they can
// be told apart in goroutine dumps (signal relays, test collectors).
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn on a new goroutine labelled with name and returns a channel that
// is closed once fn has returned. If parentCtx is nil, context.Background() is used.
//
//	done := groutine.Go(ctx, "sigchld-relay", func(ctx context.Context) {
//	    // work
//	})
//	<-done
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	done := make(chan struct{})
	labels := pprof.Labels("goroutine_name", name)

	go func() {
		defer close(done)
		pprof.Do(parentCtx, labels, func(ctx context.Context) {
			fn(context.WithValue(ctx, nameKey, name))
		})
	}()
	return done
}

// Name returns the name given to Go, or "" outside such a goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}
