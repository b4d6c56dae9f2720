package tracking

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EventScrollDepth is the custom goal recorded for scroll milestones.
const EventScrollDepth = "Scroll Depth"

const propertyScrollPercent = "scroll_percent"

// scrollThresholds are the depth milestones reported for a page, in percent.
var scrollThresholds = []int{25, 50, 75, 100}

// ScrollTracker reports page scroll depth milestones. Each threshold fires
// at most once, always in ascending order, and the tracker retires itself
// once full depth has been reported.
type ScrollTracker struct {
	dispatcher      *Dispatcher
	trackingContext Context

	mutex       sync.Mutex
	fired       map[int]bool
	highestSeen int
	finished    bool
}

// NewScrollTracker creates a tracker bound to one page visit.
func NewScrollTracker(dispatcher *Dispatcher, trackingContext Context) *ScrollTracker {
	return &ScrollTracker{
		dispatcher:      dispatcher,
		trackingContext: trackingContext,
		fired:           map[int]bool{},
	}
}

// Observe registers a scroll position and fires every newly crossed
// threshold in ascending order.
func (tracker *ScrollTracker) Observe(ctx context.Context, percent int) {
	tracker.mutex.Lock()
	if tracker.finished {
		tracker.mutex.Unlock()
		return
	}
	if percent > tracker.highestSeen {
		tracker.highestSeen = percent
	}
	due := tracker.collectDueLocked(percent)
	tracker.mutex.Unlock()

	tracker.report(ctx, due)
}

// Flush records the exit scroll position and fires only the highest crossed
// threshold that was never reported. Lower unreported milestones are
// subsumed by the higher one rather than fired after it.
func (tracker *ScrollTracker) Flush(ctx context.Context, percent int) {
	tracker.mutex.Lock()
	if tracker.finished {
		tracker.mutex.Unlock()
		return
	}
	if percent > tracker.highestSeen {
		tracker.highestSeen = percent
	}
	highestDue := 0
	for _, threshold := range scrollThresholds {
		if threshold > tracker.highestSeen {
			break
		}
		if !tracker.fired[threshold] {
			highestDue = threshold
		}
		tracker.fired[threshold] = true
	}
	if tracker.fired[scrollThresholds[len(scrollThresholds)-1]] {
		tracker.finished = true
	}
	tracker.mutex.Unlock()

	if highestDue == 0 {
		return
	}
	tracker.report(ctx, []int{highestDue})
}

// collectDueLocked marks every unfired threshold at or below the position
// and returns them in ascending order. Caller holds the mutex.
func (tracker *ScrollTracker) collectDueLocked(percent int) []int {
	var due []int
	for _, threshold := range scrollThresholds {
		if threshold <= percent && !tracker.fired[threshold] {
			tracker.fired[threshold] = true
			due = append(due, threshold)
		}
	}
	sort.Ints(due)
	if tracker.fired[scrollThresholds[len(scrollThresholds)-1]] {
		tracker.finished = true
	}
	return due
}

func (tracker *ScrollTracker) report(ctx context.Context, thresholds []int) {
	for _, threshold := range thresholds {
		tracker.dispatcher.Dispatch(ctx, Event{
			Name: EventScrollDepth,
			Properties: map[string]any{
				propertyScrollPercent: fmt.Sprintf("%d", threshold),
				PropertyPagePath:      tracker.trackingContext.Path,
			},
			Context:        tracker.trackingContext,
			AllowOnResults: true,
		})
	}
}

// Finished reports whether full depth has been recorded.
func (tracker *ScrollTracker) Finished() bool {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return tracker.finished
}
