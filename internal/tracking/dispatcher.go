package tracking

import (
	"context"

	"go.uber.org/zap"
)

const (
	// PropertyPagePath names the navigation path property.
	PropertyPagePath = "page_path"
	// PropertyEmail names the user email property. Senders that forward it
	// off-process hash it server-side first.
	PropertyEmail = "email"
	// PropertySessionID names the assessment session property.
	PropertySessionID = "session_id"
	// PropertyConversionID names the idempotency key attached to conversions.
	PropertyConversionID = "conversion_id"
	// PropertyContentName names the human-readable content label.
	PropertyContentName = "content_name"
	// PropertyValue and PropertyCurrency describe purchase amounts.
	PropertyValue    = "value"
	PropertyCurrency = "currency"
	// PropertyTransactionID names the purchase transaction property.
	PropertyTransactionID = "transaction_id"
)

// Dispatcher fans one semantic event out to every registered vendor sender.
// Calls are sequential and individually fire-and-forget, so a broken vendor
// cannot block the rest; no cross-vendor delivery order is guaranteed.
type Dispatcher struct {
	senders []VendorSender
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher over the given senders.
func NewDispatcher(logger *zap.Logger, senders ...VendorSender) *Dispatcher {
	return &Dispatcher{senders: senders, logger: logger}
}

// Dispatch forwards the event to every sender.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, event Event) {
	if dispatcher == nil {
		return
	}
	if event.Properties == nil {
		event.Properties = map[string]any{}
	}
	for _, sender := range dispatcher.senders {
		sender.Send(ctx, event)
	}
}

// PageView dispatches a navigation page view. Page views are always allowed
// on the results pages.
func (dispatcher *Dispatcher) PageView(ctx context.Context, trackingContext Context) {
	dispatcher.Dispatch(ctx, Event{
		Name:           EventPageView,
		Properties:     map[string]any{PropertyPagePath: trackingContext.Path},
		Context:        trackingContext,
		AllowOnResults: true,
	})
}

// Lead dispatches the funnel-entry event.
func (dispatcher *Dispatcher) Lead(ctx context.Context, trackingContext Context, properties map[string]any) {
	dispatcher.Dispatch(ctx, Event{
		Name:       EventLead,
		Properties: cloneProperties(properties),
		Context:    trackingContext,
	})
}

// SignUp dispatches the completed-registration event, carrying the known
// user's email when available.
func (dispatcher *Dispatcher) SignUp(ctx context.Context, trackingContext Context, properties map[string]any) {
	merged := cloneProperties(properties)
	if trackingContext.KnownUserEmail != "" {
		merged[PropertyEmail] = trackingContext.KnownUserEmail
	}
	dispatcher.Dispatch(ctx, Event{
		Name:       EventSignUp,
		Properties: merged,
		Context:    trackingContext,
	})
}

// ViewContent dispatches a semantic content view.
func (dispatcher *Dispatcher) ViewContent(ctx context.Context, trackingContext Context, contentName string, allowOnResults bool) {
	dispatcher.Dispatch(ctx, Event{
		Name:           EventViewContent,
		Properties:     map[string]any{PropertyContentName: contentName},
		Context:        trackingContext,
		AllowOnResults: allowOnResults,
	})
}

// ViewProduct dispatches a priced content view carrying its dynamic-ads
// payload.
func (dispatcher *Dispatcher) ViewProduct(ctx context.Context, trackingContext Context, payload ProductPayload, sessionID string) {
	properties := map[string]any{
		"content_ids":  payload.ContentIDs,
		"content_type": payload.ContentType,
		"contents":     payload.Contents,
		"num_items":    payload.NumItems,
	}
	if payload.ContentName != "" {
		properties[PropertyContentName] = payload.ContentName
	}
	if payload.Value != nil {
		properties[PropertyValue] = *payload.Value
	}
	if payload.Currency != "" {
		properties[PropertyCurrency] = payload.Currency
	}
	if sessionID != "" {
		properties[PropertySessionID] = sessionID
	}
	dispatcher.Dispatch(ctx, Event{
		Name:       EventViewContent,
		Properties: properties,
		Context:    trackingContext,
	})
}

// PurchaseWithDetails dispatches a purchase whose properties were merged
// from a remembered dynamic-ads payload.
func (dispatcher *Dispatcher) PurchaseWithDetails(ctx context.Context, trackingContext Context, properties map[string]any) {
	dispatcher.Dispatch(ctx, Event{
		Name:       EventPurchase,
		Properties: cloneProperties(properties),
		Context:    trackingContext,
	})
}

// Purchase dispatches a completed purchase.
func (dispatcher *Dispatcher) Purchase(ctx context.Context, trackingContext Context, value float64, currency string, transactionID string, sessionID string) {
	properties := map[string]any{
		PropertyValue:         value,
		PropertyCurrency:      currency,
		PropertyTransactionID: transactionID,
	}
	if sessionID != "" {
		properties[PropertySessionID] = sessionID
	}
	dispatcher.Dispatch(ctx, Event{
		Name:       EventPurchase,
		Properties: properties,
		Context:    trackingContext,
	})
}

func cloneProperties(properties map[string]any) map[string]any {
	cloned := make(map[string]any, len(properties))
	for key, value := range properties {
		cloned[key] = value
	}
	return cloned
}
