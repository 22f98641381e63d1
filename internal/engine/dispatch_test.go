package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/config"
	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/queue/memory"
)

var threeURLs = []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"}

// newCronEngine builds an Engine over the real cron scheduler and a queue with
// one slot per partition. Fake spiders never poll, so the partition stays full.
func newCronEngine(t *testing.T, depth int) *Engine {
	t.Helper()
	return New(Options{
		Config: config.EngineConfig{StopTimeout: 200 * time.Millisecond},
		Queue:  memory.NewQueue(depth),
		Factory: func(name string, _ crawler.Queue) crawler.Agent {
			return newFakeAgent(name)
		},
		Logger: zap.NewNop(),
	})
}

func returnsWithin(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("did not return within %s", d)
	}
}

func TestTriggerSkipsStoppedSpider(t *testing.T) {
	t.Parallel()

	e, sched := newTestEngine(t, config.EngineConfig{QueueDepth: 1})
	a := newFakeAgent("A")
	require.NoError(t, e.AddAgent(a))
	require.NoError(t, e.Run(context.Background()))
	waitStarted(t, a)

	require.NoError(t, e.StopAgent("A"))
	require.Eventually(t, func() bool {
		st, _ := e.AgentStatus("A")
		return st.State == crawler.StateStopped
	}, time.Second, 5*time.Millisecond)

	job, err := e.ScheduleURLs("A", "@every 1h", threeURLs...)
	require.NoError(t, err)
	returnsWithin(t, time.Second, func() { sched.Fire(job.Name) })
	require.Equal(t, 0, e.Queue().Len("A"))

	require.NoError(t, e.Shutdown(context.Background()))
}

func TestTriggerPushIsBounded(t *testing.T) {
	t.Parallel()

	e, sched := newTestEngine(t, config.EngineConfig{QueueDepth: 1})
	e.dispatchTimeout = 50 * time.Millisecond
	a := newFakeAgent("A")
	require.NoError(t, e.AddAgent(a))
	require.NoError(t, e.Run(context.Background()))
	waitStarted(t, a)

	job, err := e.ScheduleURLs("A", "@every 1h", threeURLs...)
	require.NoError(t, err)
	returnsWithin(t, 2*time.Second, func() { sched.Fire(job.Name) })
	require.Equal(t, 1, e.Queue().Len("A"))

	require.NoError(t, e.Shutdown(context.Background()))
}

func TestShutdownReleasesTriggerBlockedOnFullPartition(t *testing.T) {
	t.Parallel()

	e := newCronEngine(t, 1)
	require.NoError(t, e.AddAgent(newFakeAgent("A")))
	_, err := e.ScheduleURLs("A", "@every 1s", threeURLs...)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	// The first URL fills the partition; the trigger then blocks on the second.
	require.Eventually(t, func() bool {
		return e.Queue().Len("A") == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	returnsWithin(t, 3*time.Second, func() {
		require.NoError(t, e.Shutdown(context.Background()))
	})
	e.Wait()
	require.Equal(t, "stopped", e.Snapshot().State)
}

func TestCronTriggerFeedsQueueUntilCancelled(t *testing.T) {
	t.Parallel()

	e := newCronEngine(t, 64)
	require.NoError(t, e.AddAgent(newFakeAgent("A")))
	job, err := e.ScheduleURLs("A", "@every 1s", threeURLs[:2]...)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	require.Eventually(t, func() bool {
		return e.Queue().Len("A") >= 2
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, e.CancelJob(job.Name))
	time.Sleep(100 * time.Millisecond)
	settled := e.Queue().Len("A")
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, settled, e.Queue().Len("A"))
	require.Empty(t, e.JobStatuses())

	returnsWithin(t, 3*time.Second, func() {
		require.NoError(t, e.Shutdown(context.Background()))
	})
}
