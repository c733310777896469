package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo(t *testing.T) {
	names := make(chan string, 1)
	done := Go(context.Background(), "relay", func(ctx context.Context) {
		names <- Name(ctx)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}
	assert.Equal(t, "relay", <-names)
}

func TestGoNilContext(t *testing.T) {
	//nolint:staticcheck // nil parent is part of the contract
	done := Go(nil, "nil-parent", func(ctx context.Context) {
		assert.NotNil(t, ctx)
	})
	<-done
}

func TestNameOutsideGoroutine(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	//nolint:staticcheck
	assert.Empty(t, Name(nil))
}
