package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsFunction(t *testing.T) {
	p := New(2)
	var ran atomic.Bool

	err := p.Submit(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	p := New(1)
	var inFlight atomic.Int32
	var maxSeen atomic.Int32

	done := make(chan struct{})
	go func() {
		_ = p.Submit(context.Background(), func(ctx context.Context) error {
			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
		done <- struct{}{}
	}()
	go func() {
		_ = p.Submit(context.Background(), func(ctx context.Context) error {
			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
		done <- struct{}{}
	}()

	<-done
	<-done
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestSubmitRespectsCancellation(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Occupy the single slot first so Acquire must observe cancellation.
	release := make(chan struct{})
	go p.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	err := p.Submit(ctx, func(ctx context.Context) error {
		t.Fatal("should not run once context is canceled")
		return nil
	})
	close(release)

	require.Error(t, err)
}

func TestTryAcquireReportsSaturation(t *testing.T) {
	p := New(1)
	assert.True(t, p.TryAcquire())

	block := make(chan struct{})
	go p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	assert.False(t, p.TryAcquire())
	close(block)
}
