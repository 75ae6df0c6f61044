package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RespectsConcurrencyCap(t *testing.T) {
	const maxConc = 3
	var active int32
	var maxSeen int32
	var wg sync.WaitGroup

	release := make(chan struct{})
	sched := New(maxConc, func(ctx context.Context, taskID string) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		wg.Done()
	})

	sched.Start(context.Background())
	defer sched.Stop()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		sched.Enqueue("task")
	}

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(maxConc))
	assert.Equal(t, int32(maxConc), atomic.LoadInt32(&active), "all slots should be occupied under load")

	close(release)
	wg.Wait()
}

func TestScheduler_CancelQueuedPreventsDispatch(t *testing.T) {
	var ran int32

	// Occupy the only slot so "b" sits in the queue.
	blocker := make(chan struct{})
	sched := New(1, func(ctx context.Context, taskID string) {
		if taskID == "a" {
			<-blocker
			return
		}
		atomic.AddInt32(&ran, 1)
	})
	sched.Start(context.Background())
	defer sched.Stop()

	sched.Enqueue("a")
	time.Sleep(20 * time.Millisecond) // let "a" be dispatched and occupy the slot
	sched.Enqueue("b")

	removed := sched.CancelQueued("b")
	require.True(t, removed)

	close(blocker)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran), "cancelled task must never run")
}

func TestScheduler_IsRunningReflectsSlotOccupancy(t *testing.T) {
	blocker := make(chan struct{})
	sched := New(1, func(ctx context.Context, taskID string) {
		<-blocker
	})
	sched.Start(context.Background())
	defer sched.Stop()

	assert.False(t, sched.IsRunning("a"))
	sched.Enqueue("a")

	require.Eventually(t, func() bool { return sched.IsRunning("a") }, time.Second, time.Millisecond)

	close(blocker)
	require.Eventually(t, func() bool { return !sched.IsRunning("a") }, time.Second, time.Millisecond)
}

func TestScheduler_StopDrainsRunningTasks(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	sched := New(1, func(ctx context.Context, taskID string) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		close(finished)
	})
	sched.Start(context.Background())
	sched.Enqueue("a")

	<-started
	sched.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight task finished")
	}
}
