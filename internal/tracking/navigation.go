package tracking

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultNavigationDebounce = 100 * time.Millisecond

	contentNameResults = "assessment_results"
)

// signupCompletionPrefixes and signupCompletionFragments identify routes a
// user can only reach with a completed registration.
var signupCompletionPrefixes = []string{"/signup/complete", "/welcome"}
var signupCompletionFragments = []string{"/account/create/complete"}

// NavigationTracker turns observed route changes into tracking events.
// Rapid successive observations collapse into one: each new path resets a
// shared debounce timer and only the last path standing fires. Repeats of
// the current path never fire twice.
type NavigationTracker struct {
	dispatcher *Dispatcher
	debounce   time.Duration

	mutex    sync.Mutex
	tracking bool
	lastPath string
	pending  *time.Timer
}

// NewNavigationTracker creates an idle tracker. A zero debounce makes
// Observe fire synchronously, which the tests rely on.
func NewNavigationTracker(dispatcher *Dispatcher, debounce time.Duration) *NavigationTracker {
	if debounce < 0 {
		debounce = defaultNavigationDebounce
	}
	return &NavigationTracker{dispatcher: dispatcher, debounce: debounce}
}

// Start moves the tracker from idle to tracking. Repeated calls are no-ops.
func (tracker *NavigationTracker) Start() {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.tracking = true
}

// Stop discards any pending fire and returns the tracker to idle.
func (tracker *NavigationTracker) Stop() {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.tracking = false
	if tracker.pending != nil {
		tracker.pending.Stop()
		tracker.pending = nil
	}
}

// Observe registers a route change. Observations before Start, and repeats
// of the last fired path, are ignored.
func (tracker *NavigationTracker) Observe(ctx context.Context, trackingContext Context) {
	tracker.mutex.Lock()
	if !tracker.tracking || trackingContext.Path == tracker.lastPath {
		tracker.mutex.Unlock()
		return
	}
	tracker.lastPath = trackingContext.Path
	if tracker.pending != nil {
		tracker.pending.Stop()
		tracker.pending = nil
	}
	if tracker.debounce == 0 {
		tracker.mutex.Unlock()
		tracker.fire(ctx, trackingContext)
		return
	}
	tracker.pending = time.AfterFunc(tracker.debounce, func() {
		tracker.mutex.Lock()
		tracker.pending = nil
		stillCurrent := tracker.tracking && tracker.lastPath == trackingContext.Path
		tracker.mutex.Unlock()
		if stillCurrent {
			tracker.fire(context.Background(), trackingContext)
		}
	})
	tracker.mutex.Unlock()
}

// fire emits the page view first, then any semantic event the path implies.
func (tracker *NavigationTracker) fire(ctx context.Context, trackingContext Context) {
	tracker.dispatcher.PageView(ctx, trackingContext)

	path := trackingContext.Path
	onResults := IsResultsPath(path)
	switch {
	case onResults:
		tracker.dispatcher.ViewContent(ctx, trackingContext, contentNameResults, true)
	case strings.HasPrefix(path, "/assessment"):
		tracker.dispatcher.Lead(ctx, trackingContext, map[string]any{PropertyPagePath: path})
	case isSignupCompletionPath(path):
		tracker.dispatcher.SignUp(ctx, trackingContext, map[string]any{PropertyPagePath: path})
	}
}

func isSignupCompletionPath(path string) bool {
	for _, prefix := range signupCompletionPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, fragment := range signupCompletionFragments {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}
