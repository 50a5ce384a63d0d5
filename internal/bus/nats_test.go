package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/engine"
)

// Requires a NATS server: CONVSYNC_NATS_URL=nats://localhost:4222 go test ./internal/bus
func TestNATS_RoundTrip(t *testing.T) {
	url := os.Getenv("CONVSYNC_NATS_URL")
	if url == "" {
		t.Skip("CONVSYNC_NATS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := NewNATS(NATSConfig{URL: url, Subject: "convsync.test." + t.Name(), Origin: "test"})
	require.NoError(t, err)
	defer b.Close()

	got := make(chan engine.Event, 1)
	handler := func(ev engine.Event) {
		select {
		case got <- ev:
		default:
		}
	}
	go func() { _ = b.Run(ctx, handler) }()

	require.Eventually(t, func() bool {
		if err := b.Notify(ctx, messageEvent("alice_bob", 4)); err != nil {
			return false
		}
		select {
		case ev := <-got:
			assert.Equal(t, int64(4), ev.Message.Seq)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 4*time.Second, 10*time.Millisecond)
}

func TestNewNATS_RequiresURL(t *testing.T) {
	_, err := NewNATS(NATSConfig{})
	assert.Error(t, err)
}
