package tracking_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
	"github.com/PrismResearchLab/tracking_svc/internal/tracking"
)

func TestGoogleSenderTranslatesEventNames(testingT *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(testingT, "measurement-1", request.URL.Query().Get("measurement_id"))
		require.Equal(testingT, "secret-1", request.URL.Query().Get("api_secret"))
		require.NoError(testingT, json.NewDecoder(request.Body).Decode(&captured))
		writer.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := tracking.NewGoogleSender(config.VendorConfig{
		GoogleMeasurementID: "measurement-1",
		GoogleAPISecret:     "secret-1",
	}, nil, zap.NewNop()).WithBaseURL(server.URL)

	trackingContext := consentedContext("/assessment")
	eventID := sender.Send(context.Background(), tracking.Event{
		Name:           tracking.EventPageView,
		Context:        trackingContext,
		AllowOnResults: true,
	})

	require.Equal(testingT, trackingContext.Attribution.UUID, eventID)
	events := captured["events"].([]any)
	require.Len(testingT, events, 1)
	eventBody := events[0].(map[string]any)
	require.Equal(testingT, "page_view", eventBody["name"])
	parameters := eventBody["params"].(map[string]any)
	require.Equal(testingT, "/assessment", parameters["page_path"])
}

func TestGoogleSenderIgnoresConsentFlag(testingT *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestCount++
		writer.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := tracking.NewGoogleSender(config.VendorConfig{
		GoogleMeasurementID: "measurement-1",
		GoogleAPISecret:     "secret-1",
	}, nil, zap.NewNop()).WithBaseURL(server.URL)

	trackingContext := consentedContext("/")
	trackingContext.ConsentAnalytics = false
	eventID := sender.Send(context.Background(), tracking.Event{
		Name:           tracking.EventPageView,
		Context:        trackingContext,
		AllowOnResults: true,
	})

	require.NotEmpty(testingT, eventID)
	require.Equal(testingT, 1, requestCount)
}

func TestGoogleSenderSuppressedOnPreview(testingT *testing.T) {
	sender := tracking.NewGoogleSender(config.VendorConfig{
		GoogleMeasurementID: "measurement-1",
		GoogleAPISecret:     "secret-1",
	}, nil, zap.NewNop())

	trackingContext := consentedContext("/")
	trackingContext.Preview = true
	eventID := sender.Send(context.Background(), tracking.Event{Name: tracking.EventPageView, Context: trackingContext})

	require.Empty(testingT, eventID)
}

func TestPlausibleSenderPostsDomainEvent(testingT *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(testingT, "/api/event", request.URL.Path)
		require.NoError(testingT, json.NewDecoder(request.Body).Decode(&captured))
		writer.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := tracking.NewPlausibleSender(config.VendorConfig{
		PlausibleDomain:   "prism.example",
		PlausibleEndpoint: server.URL,
	}, nil, zap.NewNop())

	eventID := sender.Send(context.Background(), tracking.Event{
		Name:       "CTA Click",
		Properties: map[string]any{"cta_id": "start_assessment", "source_type": "paid"},
		Context:    consentedContext("/pricing"),
	})

	require.NotEmpty(testingT, eventID)
	require.Equal(testingT, "CTA Click", captured["name"])
	require.Equal(testingT, "prism.example", captured["domain"])
	require.Equal(testingT, "https://prism.example/pricing", captured["url"])
	properties := captured["props"].(map[string]any)
	require.Equal(testingT, "start_assessment", properties["cta_id"])
	require.Equal(testingT, "paid", properties["source_type"])
}

func TestGenerateConversionIDSkipsBlankParts(testingT *testing.T) {
	require.Equal(testingT, "session-1-Lead", tracking.GenerateConversionID("session-1", "Lead"))
	require.Equal(testingT, "session-1-Purchase-txn-9", tracking.GenerateConversionID("session-1", "Purchase", "txn-9"))
	require.Equal(testingT, "Lead", tracking.GenerateConversionID("", "Lead", "  "))
}

func TestRedditSenderForwardsThroughProxy(testingT *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(testingT, "/functions/v1/reddit-conversions", request.URL.Path)
		require.Equal(testingT, "anon-key-1", request.Header.Get("apikey"))
		require.NoError(testingT, json.NewDecoder(request.Body).Decode(&captured))
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := tracking.NewRedditSender(server.URL, "anon-key-1", nil, zap.NewNop())
	trackingContext := consentedContext("/assessment")
	trackingContext.Attribution.ClickID = "click-1"

	eventID := sender.Send(context.Background(), tracking.Event{
		Name:       tracking.EventLead,
		Properties: map[string]any{tracking.PropertySessionID: "session-1"},
		Context:    trackingContext,
	})

	require.Equal(testingT, "session-1-Lead", eventID)
	require.Equal(testingT, "Lead", captured["event_name"])
	proxyContext := captured["ctx"].(map[string]any)
	require.Equal(testingT, "click-1", proxyContext["click_id"])
	require.Equal(testingT, trackingContext.Attribution.UUID, proxyContext["uuid"])
	payload := captured["payload"].(map[string]any)
	require.Equal(testingT, "session-1-Lead", payload["conversion_id"])
}

func TestRedditSenderRequiresConsent(testingT *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestCount++
	}))
	defer server.Close()

	sender := tracking.NewRedditSender(server.URL, "anon-key-1", nil, zap.NewNop())
	trackingContext := consentedContext("/")
	trackingContext.ConsentAnalytics = false

	eventID := sender.Send(context.Background(), tracking.Event{Name: tracking.EventLead, Context: trackingContext})

	require.Empty(testingT, eventID)
	require.Zero(testingT, requestCount)
}

func TestTwitterSenderRenamesIdentifierProperties(testingT *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(testingT, "Bearer tw-token", request.Header.Get("Authorization"))
		require.NoError(testingT, json.NewDecoder(request.Body).Decode(&captured))
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := tracking.NewTwitterSender(config.VendorConfig{
		TwitterEndpoint: server.URL,
		TwitterToken:    "tw-token",
	}, nil, zap.NewNop())

	eventID := sender.Send(context.Background(), tracking.Event{
		Name: tracking.EventSignUp,
		Properties: map[string]any{
			tracking.PropertyEmail: "user@example.com",
			"phone":                "+15550100",
			"plan":                 nil,
		},
		Context: consentedContext("/welcome"),
	})

	require.NotEmpty(testingT, eventID)
	require.Equal(testingT, "SignUp", captured["event"])
	require.Equal(testingT, "user@example.com", captured["email_address"])
	require.Equal(testingT, "+15550100", captured["phone_number"])
	require.NotContains(testingT, captured, "plan")
	require.NotContains(testingT, captured, "__allowResults")
}

func TestTwitterSenderMarksAllowedResultsEvents(testingT *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.NoError(testingT, json.NewDecoder(request.Body).Decode(&captured))
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := tracking.NewTwitterSender(config.VendorConfig{TwitterEndpoint: server.URL}, nil, zap.NewNop())

	eventID := sender.Send(context.Background(), tracking.Event{
		Name:           tracking.EventViewContent,
		Context:        consentedContext("/assessment/results"),
		AllowOnResults: true,
	})

	require.NotEmpty(testingT, eventID)
	require.Equal(testingT, true, captured["__allowResults"])
}

func TestTwitterSenderSuppressedOnResultsByDefault(testingT *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestCount++
	}))
	defer server.Close()

	sender := tracking.NewTwitterSender(config.VendorConfig{TwitterEndpoint: server.URL}, nil, zap.NewNop())

	eventID := sender.Send(context.Background(), tracking.Event{
		Name:    tracking.EventLead,
		Context: consentedContext("/assessment/results"),
	})

	require.Empty(testingT, eventID)
	require.Zero(testingT, requestCount)
}

func TestQuoraSenderMapsEventNamesAndBuildsEventID(testingT *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(testingT, "Bearer quora-token", request.Header.Get("Authorization"))
		require.NoError(testingT, json.NewDecoder(request.Body).Decode(&captured))
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := tracking.NewQuoraSender(config.VendorConfig{
		QuoraEndpoint: server.URL,
		QuoraToken:    "quora-token",
	}, nil, zap.NewNop())

	eventID := sender.Send(context.Background(), tracking.Event{
		Name: tracking.EventPurchase,
		Properties: map[string]any{
			tracking.PropertySessionID: "session-7",
			tracking.PropertyValue:     49.99,
			tracking.PropertyCurrency:  "USD",
		},
		Context: consentedContext("/checkout"),
	})

	require.Equal(testingT, "session-7:Purchase", eventID)
	require.Equal(testingT, "Purchase", captured["event_name"])
	require.Equal(testingT, "session-7:Purchase", captured["event_id"])
	require.InDelta(testingT, 49.99, captured["value"].(float64), 0.001)
	require.Equal(testingT, "USD", captured["currency"])
	requestContext := captured["context"].(map[string]any)
	require.Equal(testingT, "203.0.113.9", requestContext["ip_address"])
}

func TestQuoraSenderDropsUnmappedEvents(testingT *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestCount++
	}))
	defer server.Close()

	sender := tracking.NewQuoraSender(config.VendorConfig{QuoraEndpoint: server.URL}, nil, zap.NewNop())
	eventID := sender.Send(context.Background(), tracking.Event{
		Name:           tracking.EventPageView,
		Context:        consentedContext("/"),
		AllowOnResults: true,
	})

	require.Empty(testingT, eventID)
	require.Zero(testingT, requestCount)
}

func TestLinkedInSenderForwardsConfiguredConversions(testingT *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(testingT, "/functions/v1/linkedin-capi", request.URL.Path)
		require.Equal(testingT, "true", request.Header.Get("x-consent-analytics"))
		require.NoError(testingT, json.NewDecoder(request.Body).Decode(&captured))
		require.NoError(testingT, json.NewEncoder(writer).Encode(map[string]any{"ok": true, "eventId": "evt-1"}))
	}))
	defer server.Close()

	sender := tracking.NewLinkedInSender(config.VendorConfig{
		LinkedInLeadConversionID: "urn:lla:llaPartnerConversion:101",
	}, server.URL, "anon-key-1", nil, zap.NewNop())

	eventID := sender.Send(context.Background(), tracking.Event{
		Name:       tracking.EventLead,
		Properties: map[string]any{tracking.PropertySessionID: "session-3"},
		Context:    consentedContext("/assessment"),
	})

	require.Equal(testingT, "session-3-Lead", eventID)
	require.Equal(testingT, "urn:lla:llaPartnerConversion:101", captured["conversionId"])
	require.Equal(testingT, "session-3-Lead", captured["eventId"])
}

func TestLinkedInSenderSkipsUnconfiguredEvents(testingT *testing.T) {
	sender := tracking.NewLinkedInSender(config.VendorConfig{}, "http://127.0.0.1:0", "", nil, zap.NewNop())
	eventID := sender.Send(context.Background(), tracking.Event{
		Name:    tracking.EventLead,
		Context: consentedContext("/assessment"),
	})
	require.Empty(testingT, eventID)
}

func TestLinkedInConvertReportsConsentBlocked(testingT *testing.T) {
	sender := tracking.NewLinkedInSender(config.VendorConfig{}, "http://127.0.0.1:0", "", nil, zap.NewNop())
	result := sender.Convert(context.Background(), tracking.LinkedInConversion{ConversionID: "urn:1"}, false)
	require.False(testingT, result.Ok)
	require.Equal(testingT, tracking.LinkedInCodeConsentBlocked, result.Code)
}

func TestLinkedInConvertInterpretsSkippedAndErrorResponses(testingT *testing.T) {
	responses := []func(http.ResponseWriter){
		func(writer http.ResponseWriter) { writer.WriteHeader(http.StatusNoContent) },
		func(writer http.ResponseWriter) {
			writer.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(writer).Encode(map[string]any{"ok": false, "code": "unauthorized", "error": "bad token"})
		},
	}
	responseIndex := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		responses[responseIndex](writer)
		responseIndex++
	}))
	defer server.Close()

	sender := tracking.NewLinkedInSender(config.VendorConfig{}, server.URL, "", nil, zap.NewNop())

	skipped := sender.Convert(context.Background(), tracking.LinkedInConversion{ConversionID: "urn:1"}, true)
	require.True(testingT, skipped.Ok)
	require.Equal(testingT, "skipped", skipped.Status)

	failed := sender.Convert(context.Background(), tracking.LinkedInConversion{ConversionID: "urn:1"}, true)
	require.False(testingT, failed.Ok)
	require.Equal(testingT, "unauthorized", failed.Code)
	require.Equal(testingT, "bad token", failed.Error)
}
