package tracking

import (
	"context"
	"net/url"
	"strings"
)

const (
	// EventCTAClick is the custom goal recorded for call-to-action clicks.
	EventCTAClick = "CTA Click"

	// CTAKindStartAssessment through CTAKindContact classify the clicked
	// call-to-action by its markup.
	CTAKindStartAssessment = "start_assessment"
	CTAKindSubscribe       = "subscribe"
	CTAKindShare           = "share"
	CTAKindContact         = "contact"
	CTAKindGeneric         = "generic"

	// SourceTypeEmail through SourceTypeDirect classify where the visitor
	// came from.
	SourceTypeEmail    = "email"
	SourceTypeSocial   = "social"
	SourceTypePaid     = "paid"
	SourceTypeReferral = "referral"
	SourceTypeOrganic  = "organic"
	SourceTypeDirect   = "direct"

	propertyCTAID      = "cta_id"
	propertyCTAKind    = "cta_kind"
	propertySourceType = "source_type"
	propertyCTAText    = "cta_text"
)

// ctaKindTokens maps markup tokens (data-cta values and class names) to a
// call-to-action kind. First matching group wins in declaration order.
var ctaKindTokens = []struct {
	kind   string
	tokens []string
}{
	{CTAKindStartAssessment, []string{"start-assessment", "cta-start", "btn-start", "assessment-start", "start"}},
	{CTAKindSubscribe, []string{"subscribe", "cta-subscribe", "newsletter-signup", "btn-subscribe"}},
	{CTAKindShare, []string{"share", "cta-share", "btn-share", "social-share"}},
	{CTAKindContact, []string{"contact", "cta-contact", "btn-contact", "contact-us"}},
}

// Element describes the clicked call-to-action as reported by the page.
type Element struct {
	CTAAttribute string   `json:"cta,omitempty"`
	CTAID        string   `json:"cta_id,omitempty"`
	ElementID    string   `json:"element_id,omitempty"`
	Classes      []string `json:"classes,omitempty"`
	Text         string   `json:"text,omitempty"`
}

// Click is one observed call-to-action interaction.
type Click struct {
	Element  Element `json:"element"`
	PageURL  string  `json:"page_url"`
	Referrer string  `json:"referrer,omitempty"`
}

// ClassifyCTA determines the call-to-action kind from the element markup.
func ClassifyCTA(element Element) string {
	candidates := make([]string, 0, 1+len(element.Classes))
	if element.CTAAttribute != "" {
		candidates = append(candidates, strings.ToLower(element.CTAAttribute))
	}
	for _, class := range element.Classes {
		candidates = append(candidates, strings.ToLower(class))
	}
	for _, group := range ctaKindTokens {
		for _, candidate := range candidates {
			for _, token := range group.tokens {
				if candidate == token {
					return group.kind
				}
			}
		}
	}
	return CTAKindGeneric
}

// CTAIdentifier derives a stable identifier for the clicked element: the
// explicit cta id, falling back to the element id, falling back to the
// class list joined with underscores.
func CTAIdentifier(element Element) string {
	if element.CTAID != "" {
		return element.CTAID
	}
	if element.ElementID != "" {
		return element.ElementID
	}
	if len(element.Classes) > 0 {
		return strings.Join(element.Classes, "_")
	}
	return "unlabeled"
}

// ClassifySource infers where the visitor came from. A recognized
// utm_medium wins over everything; an external referrer beats remaining
// campaign parameters; any other campaign parameter counts as organic.
func ClassifySource(pageURL string, referrer string) string {
	parsedPage, pageErr := url.Parse(pageURL)
	if pageErr != nil {
		return SourceTypeDirect
	}
	query := parsedPage.Query()

	switch strings.ToLower(query.Get("utm_medium")) {
	case "email":
		return SourceTypeEmail
	case "social":
		return SourceTypeSocial
	case "cpc", "paid":
		return SourceTypePaid
	}
	if referrer != "" {
		parsedReferrer, referrerErr := url.Parse(referrer)
		if referrerErr == nil && parsedReferrer.Host != "" && parsedReferrer.Host != parsedPage.Host {
			return SourceTypeReferral
		}
	}
	for parameterName := range query {
		if strings.HasPrefix(parameterName, "utm_") {
			return SourceTypeOrganic
		}
	}
	return SourceTypeDirect
}

// CTATracker converts call-to-action clicks into custom goal events.
type CTATracker struct {
	dispatcher *Dispatcher
}

// NewCTATracker creates a tracker over the dispatcher.
func NewCTATracker(dispatcher *Dispatcher) *CTATracker {
	return &CTATracker{dispatcher: dispatcher}
}

// Observe classifies the click and dispatches the goal event.
func (tracker *CTATracker) Observe(ctx context.Context, trackingContext Context, click Click) {
	properties := map[string]any{
		propertyCTAID:      CTAIdentifier(click.Element),
		propertyCTAKind:    ClassifyCTA(click.Element),
		propertySourceType: ClassifySource(click.PageURL, click.Referrer),
	}
	if text := strings.TrimSpace(click.Element.Text); text != "" {
		properties[propertyCTAText] = text
	}
	tracker.dispatcher.Dispatch(ctx, Event{
		Name:       EventCTAClick,
		Properties: properties,
		Context:    trackingContext,
	})
}
