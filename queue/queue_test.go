package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunFIFOPerKey verifies strict submission order under a single key.
func TestRunFIFOPerKey(t *testing.T) {
	s := NewSerializer()

	var mu sync.Mutex
	var order []int

	// Pre-link slots from one goroutine so submission order is defined,
	// then release the bodies concurrently.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		i := i
		prev, done := s.link("k")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if prev != nil {
				<-prev
			}
			defer s.unlink("k", done)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v, "submission order must be preserved")
	}
}

// TestRunDistinctKeysConcurrent verifies that different keys do not
// serialize against each other.
func TestRunDistinctKeysConcurrent(t *testing.T) {
	s := NewSerializer()

	aEntered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.Run(context.Background(), "a", func(context.Context) error {
			close(aEntered)
			<-release
			return nil
		})
	}()

	<-aEntered

	done := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), "b", func(context.Context) error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("key b blocked behind key a")
	}
	close(release)
}

// TestRunFailureDoesNotPoisonKey verifies that an error from one callback
// reaches only its own caller and later callbacks still run.
func TestRunFailureDoesNotPoisonKey(t *testing.T) {
	s := NewSerializer()
	sentinel := errors.New("boom")

	err := s.Run(context.Background(), "k", func(context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	err = s.Run(context.Background(), "k", func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

// TestRunContextCancelledWhileQueued verifies that a cancelled waiter
// does not strand its successors.
func TestRunContextCancelledWhileQueued(t *testing.T) {
	s := NewSerializer()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), "k", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		cancelled <- s.Run(ctx, "k", func(context.Context) error {
			t.Error("cancelled callback must not run")
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-cancelled, context.Canceled)

	// A successor queued behind the cancelled slot must still run once
	// the head releases.
	ran := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), "k", func(context.Context) error {
			close(ran)
			return nil
		})
	}()
	close(release)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("successor stranded behind cancelled waiter")
	}
}

// TestGoFireAndForget verifies ordering and Wait draining for Go.
func TestGoFireAndForget(t *testing.T) {
	s := NewSerializer()

	var n atomic.Int32
	var mu sync.Mutex
	var order []int32
	for i := int32(0); i < 10; i++ {
		i := i
		s.Go("k", func(context.Context) error {
			n.Add(1)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	s.Wait()

	assert.Equal(t, int32(10), n.Load())
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, int32(i), v)
	}
}

// TestKeyStateCleanup verifies that drained keys do not accumulate.
func TestKeyStateCleanup(t *testing.T) {
	s := NewSerializer()
	for i := 0; i < 100; i++ {
		_ = s.Run(context.Background(), "k", func(context.Context) error { return nil })
	}
	assert.Equal(t, 0, s.Pending("k"))
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.keys)
}
