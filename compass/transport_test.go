package compass

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRequestTimeoutOwnedByContext(t *testing.T) {
	transport := NewPlatformTransportWithDefaults(context.Background(), "wss://uc.example.com/ws")

	// a context deadline owns the timeout; no internal timer runs
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	assert.Equal(t, transport.requestTimeoutAfter(ctx), nil)

	// an unbounded context falls back to the transport's own timeout
	assert.NotEqual(t, transport.requestTimeoutAfter(context.Background()), nil)
}
