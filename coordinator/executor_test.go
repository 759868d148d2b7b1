package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunsSubmittedTasks(t *testing.T) {
	e := newExecutor(4)

	var wg sync.WaitGroup
	var counter int
	var mutex sync.Mutex

	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.True(t, e.submit(func() {
			mutex.Lock()
			counter++
			mutex.Unlock()

			wg.Done()
		}))
	}

	wg.Wait()
	e.shutdown()

	assert.Equal(t, 100, counter)
}

func TestExecutor_ShutdownDrainsQueuedTasks(t *testing.T) {
	e := newExecutor(1)

	blockerEntered := make(chan struct{})
	releaseBlocker := make(chan struct{})
	require.True(t, e.submit(func() {
		close(blockerEntered)
		<-releaseBlocker
	}))
	<-blockerEntered

	// queued behind the blocker; must still run during shutdown.
	var ranAfterShutdown bool
	require.True(t, e.submit(func() {
		ranAfterShutdown = true
	}))

	shutdownComplete := make(chan struct{})
	go func() {
		e.shutdown()
		close(shutdownComplete)
	}()

	close(releaseBlocker)
	<-shutdownComplete

	assert.True(t, ranAfterShutdown)
	assert.False(t, e.submit(func() {}))
}
