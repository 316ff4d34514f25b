package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestShutdownHooksRunInReverse(t *testing.T) {
	sm := NewShutdownManager(context.Background(), time.Second, zap.NewNop())

	var order []string
	sm.RegisterShutdownHook("first", func() error {
		order = append(order, "first")
		return nil
	})
	sm.RegisterShutdownHook("second", func() error {
		order = append(order, "second")
		return errors.New("ignored")
	})

	sm.InitiateShutdown()
	sm.InitiateShutdown()

	<-sm.Done()
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Error(t, sm.Context().Err())
}

func TestShutdownFollowsParentContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sm := NewShutdownManager(parent, time.Second, nil)
	cancel()

	select {
	case <-sm.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not follow parent cancellation")
	}
}

func TestShutdownWaitsForTasks(t *testing.T) {
	sm := NewShutdownManager(context.Background(), 2*time.Second, nil)
	sm.AddTask()

	var finished bool
	go func() {
		<-sm.Context().Done()
		time.Sleep(10 * time.Millisecond)
		finished = true
		sm.TaskDone()
	}()

	sm.InitiateShutdown()
	assert.True(t, finished)
}

func TestResourceLimiterBoundsTasks(t *testing.T) {
	rl := NewResourceLimiter(2)
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		require.True(t, rl.Go(zap.NewNop(), "test", func() {
			defer wg.Done()
			<-release
		}))
	}
	assert.False(t, rl.Go(zap.NewNop(), "test", func() {}))
	assert.Equal(t, 2, rl.GetActiveCount())

	close(release)
	wg.Wait()
	require.Eventually(t, func() bool { return rl.GetActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rl.GetCapacity())
}

func TestSafeGoroutineRecovers(t *testing.T) {
	done := make(chan struct{})
	SafeGoroutine(zap.NewNop(), "test", func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
