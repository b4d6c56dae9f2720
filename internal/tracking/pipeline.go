package tracking

import (
	"context"
	"sync"
)

const (
	defaultPipelineWorkers    = 4
	defaultPipelineQueueDepth = 64
)

// Pipeline is a bounded best-effort task queue for outbound vendor calls.
// It caps the number of concurrent network requests during rapid
// navigation; when the queue is full, new tasks are dropped rather than
// blocking the caller.
type Pipeline struct {
	workers      int
	tasks        chan func(context.Context)
	controlMutex sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewPipeline creates a pipeline with the given worker count and queue depth.
func NewPipeline(workers int, queueDepth int) *Pipeline {
	if workers <= 0 {
		workers = defaultPipelineWorkers
	}
	if queueDepth <= 0 {
		queueDepth = defaultPipelineQueueDepth
	}
	return &Pipeline{
		workers: workers,
		tasks:   make(chan func(context.Context), queueDepth),
	}
}

// Start launches the worker pool. Starting an already running pipeline is a no-op.
func (pipeline *Pipeline) Start(ctx context.Context) {
	if pipeline == nil {
		return
	}
	pipeline.controlMutex.Lock()
	if pipeline.cancel != nil {
		pipeline.controlMutex.Unlock()
		return
	}
	runtimeCtx, cancel := context.WithCancel(ctx)
	pipeline.cancel = cancel
	done := make(chan struct{})
	pipeline.done = done
	pipeline.controlMutex.Unlock()

	var workerGroup sync.WaitGroup
	workerGroup.Add(pipeline.workers)
	for workerIndex := 0; workerIndex < pipeline.workers; workerIndex++ {
		go func() {
			defer workerGroup.Done()
			for {
				select {
				case <-runtimeCtx.Done():
					return
				case task := <-pipeline.tasks:
					task(runtimeCtx)
				}
			}
		}()
	}

	go func() {
		workerGroup.Wait()
		close(done)
	}()
}

// Do enqueues a task. It reports false when the queue is saturated and the
// task was dropped.
func (pipeline *Pipeline) Do(task func(context.Context)) bool {
	if pipeline == nil || task == nil {
		return false
	}
	select {
	case pipeline.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop terminates the workers and waits for them to exit. Queued tasks that
// have not started are discarded.
func (pipeline *Pipeline) Stop() {
	if pipeline == nil {
		return
	}
	pipeline.controlMutex.Lock()
	cancel := pipeline.cancel
	done := pipeline.done
	pipeline.cancel = nil
	pipeline.done = nil
	pipeline.controlMutex.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
