package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quotaEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSendQuota_WithinLimit(t *testing.T) {
	q := NewSendQuota(10, time.Minute)

	for i := 0; i < 10; i++ {
		err := q.Check("alice", quotaEpoch)
		assert.NoError(t, err, "send %d should be allowed", i+1)
	}

	assert.Equal(t, 10, q.Current("alice"))
	assert.Equal(t, 10, q.Limit())
}

func TestSendQuota_ExceedsLimit(t *testing.T) {
	q := NewSendQuota(5, time.Minute)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Check("alice", quotaEpoch))
	}

	err := q.Check("alice", quotaEpoch.Add(10*time.Second))
	require.Error(t, err)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "alice", rl.Participant)
	assert.Equal(t, 6, rl.Count)
	assert.Equal(t, 5, rl.Limit)
	assert.Equal(t, 50*time.Second, rl.RetryAfter)
	assert.True(t, IsRateLimited(fmt.Errorf("wrapped: %w", err)))
}

func TestSendQuota_WindowResets(t *testing.T) {
	q := NewSendQuota(1, time.Minute)

	require.NoError(t, q.Check("alice", quotaEpoch))
	require.Error(t, q.Check("alice", quotaEpoch.Add(30*time.Second)))
	assert.NoError(t, q.Check("alice", quotaEpoch.Add(time.Minute)))
}

func TestSendQuota_PerParticipant(t *testing.T) {
	q := NewSendQuota(1, time.Minute)

	require.NoError(t, q.Check("alice", quotaEpoch))
	assert.NoError(t, q.Check("bob", quotaEpoch), "bob has his own window")
}

func TestSendQuota_Reset(t *testing.T) {
	q := NewSendQuota(1, time.Minute)

	require.NoError(t, q.Check("alice", quotaEpoch))
	q.Reset("alice")
	assert.Equal(t, 0, q.Current("alice"))
	assert.NoError(t, q.Check("alice", quotaEpoch))
}

func TestSendQuota_DisabledAndNil(t *testing.T) {
	var nilQuota *SendQuota
	assert.NoError(t, nilQuota.Check("alice", quotaEpoch))

	q := NewSendQuota(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.NoError(t, q.Check("alice", quotaEpoch))
	}
}

func TestSendQuota_Concurrent(t *testing.T) {
	q := NewSendQuota(50, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Check("alice", quotaEpoch) != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, rejected)
}
