package validator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainPacer_Spacing(t *testing.T) {
	p := NewDomainPacer(1, 25*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(ctx, "example.com"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Other domains are not held back.
	start = time.Now()
	require.NoError(t, p.Wait(ctx, "other.example"))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestDomainPacer_ZeroSpacing(t *testing.T) {
	p := NewDomainPacer(1, 0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(context.Background(), "example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDomainPacer_AcquireLimit(t *testing.T) {
	p := NewDomainPacer(1, 0)

	release, err := p.Acquire(context.Background(), "example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "example.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := p.Acquire(context.Background(), "other.example")
	require.NoError(t, err)
	other()

	release()
	again, err := p.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	again()
}

func TestDomainPacer_WaitCancelled(t *testing.T) {
	p := NewDomainPacer(1, time.Hour)
	require.NoError(t, p.Wait(context.Background(), "example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx, "example.com"), context.Canceled)
}

func TestDomainPacer_IdleSlotsAreDropped(t *testing.T) {
	p := NewDomainPacer(1, 0)
	p.sweepEvery = 0
	ctx := context.Background()

	held, err := p.Acquire(ctx, "held.example")
	require.NoError(t, err)
	idle, err := p.Acquire(ctx, "idle.example")
	require.NoError(t, err)
	idle()

	next, err := p.Acquire(ctx, "next.example")
	require.NoError(t, err)
	next()

	p.mu.Lock()
	assert.Contains(t, p.domains, "held.example")
	assert.NotContains(t, p.domains, "idle.example")
	p.mu.Unlock()

	held()
}

func TestDomainPacer_PendingSpacingIsKept(t *testing.T) {
	p := NewDomainPacer(1, time.Hour)
	p.sweepEvery = 0
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx, "spaced.example"))
	require.NoError(t, p.Wait(ctx, "other.example"))

	p.mu.Lock()
	assert.Contains(t, p.domains, "spaced.example", "a drained limiter still paces the domain")
	p.mu.Unlock()
}
