package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimOnce(t *testing.T) {
	s := NewMemoryNonceStore(0)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Claim(ctx, "0xdef")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseAllowsRetry(t *testing.T) {
	s := NewMemoryNonceStore(0)
	ctx := context.Background()

	ok, _ := s.Claim(ctx, "n")
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, "n"))

	ok, _ = s.Claim(ctx, "n")
	assert.True(t, ok)
}

func TestClaimConcurrent(t *testing.T) {
	s := NewMemoryNonceStore(0)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Claim(context.Background(), "shared"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimTTL(t *testing.T) {
	s := NewMemoryNonceStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := s.Claim(ctx, "a")
	require.True(t, ok)
	ok, _ = s.Claim(ctx, "a")
	require.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, 1, s.Len())

	ok, _ = s.Claim(ctx, "a")
	assert.True(t, ok)
}

func TestClaimCancelledContext(t *testing.T) {
	s := NewMemoryNonceStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Claim(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Len())
}
