package task_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PrismResearchLab/tracking_svc/internal/task"
)

func TestSchedulerRunsOnTrigger(testingT *testing.T) {
	var mutex sync.Mutex
	runCount := 0
	scheduler := task.NewScheduler(time.Hour, func(context.Context) {
		mutex.Lock()
		runCount++
		mutex.Unlock()
	})
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	scheduler.Trigger()

	require.Eventually(testingT, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return runCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRunsOnInterval(testingT *testing.T) {
	ran := make(chan struct{}, 4)
	scheduler := task.NewScheduler(10*time.Millisecond, func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		testingT.Fatal("scheduler never ran on interval")
	}
}

func TestSchedulerStopIsIdempotent(testingT *testing.T) {
	scheduler := task.NewScheduler(time.Hour, func(context.Context) {})
	scheduler.Start(context.Background())
	scheduler.Stop()
	scheduler.Stop()
}
