package taskmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archiveforge/git-archiver/internal/core"
)

func TestEnqueue_DedupsByIdentity(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int32

	mgr := New(1, func(ctx context.Context, task core.Task) {
		atomic.AddInt32(&runs, 1)
		close(started)
		<-release
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	task := core.NewEnsureMirroredTask(1)
	require.NoError(t, mgr.Enqueue(task))

	<-started
	err := mgr.Enqueue(task)
	require.ErrorIs(t, err, core.ErrAlreadyInProgress)

	close(release)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, time.Millisecond)
}

func TestSnapshot_ActiveNeverExceedsConcurrency(t *testing.T) {
	const n = 2
	block := make(chan struct{})

	mgr := New(n, func(ctx context.Context, task core.Task) {
		<-block
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, mgr.Enqueue(core.NewEnsureMirroredTask(i)))
	}

	require.Eventually(t, func() bool {
		return mgr.Snapshot().ActiveCount == n
	}, time.Second, time.Millisecond)

	require.LessOrEqual(t, mgr.Snapshot().ActiveCount, n)
	close(block)
}

func TestCancel_StopsQueuedTaskBeforeItRuns(t *testing.T) {
	var ran int32
	gate := make(chan struct{})

	mgr := New(1, func(ctx context.Context, task core.Task) {
		if task.Identity == "blocker" {
			<-gate
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
			atomic.AddInt32(&ran, 1)
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	require.NoError(t, mgr.Enqueue(core.Task{Identity: "blocker"}))
	require.Eventually(t, func() bool { return mgr.Snapshot().ActiveCount == 1 }, time.Second, time.Millisecond)

	target := core.NewEnsureMirroredTask(42)
	require.NoError(t, mgr.Enqueue(target))
	mgr.Cancel(target.Identity)

	close(gate)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&ran))
}

func TestCancelAll_SignalsEveryActiveTask(t *testing.T) {
	var cancelled int32
	var wg sync.WaitGroup
	wg.Add(3)

	mgr := New(3, func(ctx context.Context, task core.Task) {
		defer wg.Done()
		<-ctx.Done()
		atomic.AddInt32(&cancelled, 1)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, mgr.Enqueue(core.NewEnsureMirroredTask(i)))
	}
	require.Eventually(t, func() bool { return mgr.Snapshot().ActiveCount == 3 }, time.Second, time.Millisecond)

	mgr.CancelAll()
	wg.Wait()
	require.EqualValues(t, 3, cancelled)
}
