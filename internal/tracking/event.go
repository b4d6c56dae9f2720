package tracking

import (
	"context"

	"go.uber.org/zap"
)

const (
	// EventPageView is fired for every observed navigation.
	EventPageView = "PageView"
	// EventLead marks the top of the marketing funnel.
	EventLead = "Lead"
	// EventSignUp marks completed registration.
	EventSignUp = "SignUp"
	// EventViewContent marks a semantic content view.
	EventViewContent = "ViewContent"
	// EventPurchase marks a completed purchase.
	EventPurchase = "Purchase"

	logEventTaskDropped = "tracking_task_dropped"
	logFieldVendor      = "vendor"
	logFieldEvent       = "event"
)

// Event is one tracking event headed for the vendor layer. Properties form
// a loose bag; every sender reshapes the fields it understands and ignores
// the rest.
type Event struct {
	Name           string
	Properties     map[string]any
	Context        Context
	AllowOnResults bool
}

// Property returns the string form of a property, or empty when absent.
func (event Event) Property(key string) string {
	raw, present := event.Properties[key]
	if !present {
		return ""
	}
	value, isString := raw.(string)
	if !isString {
		return ""
	}
	return value
}

// VendorSender forwards one event to a single tracking vendor. Send returns
// the vendor-specific event identifier, or empty when the event was
// suppressed. Senders absorb every failure internally: tracking must never
// break the caller.
type VendorSender interface {
	Name() string
	Send(ctx context.Context, event Event) string
}

// submit hands a network task to the best-effort pipeline, falling back to a
// synchronous call when no pipeline is configured. Dropped tasks are logged
// and forgotten.
func submit(pipeline *Pipeline, logger *zap.Logger, vendorName string, eventName string, task func(context.Context)) {
	if pipeline == nil {
		task(context.Background())
		return
	}
	if !pipeline.Do(task) && logger != nil {
		logger.Warn(logEventTaskDropped, zap.String(logFieldVendor, vendorName), zap.String(logFieldEvent, eventName))
	}
}
