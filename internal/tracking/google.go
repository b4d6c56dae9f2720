package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
)

const (
	googleVendorName     = "google"
	googleCollectFormat  = "%s/mp/collect?measurement_id=%s&api_secret=%s"
	googleDefaultBaseURL = "https://www.google-analytics.com"

	googleEventPageView = "page_view"

	logEventGoogleSendFailed = "google_send_failed"
	logEventGoogleRejected   = "google_rejected"
)

// googleEventNames translates the semantic names into the GA4 snake_case
// vocabulary. GA4 measurement does not gate on the consent flag; it carries
// no personal identifiers.
var googleEventNames = map[string]string{
	EventPageView:    googleEventPageView,
	EventLead:        "generate_lead",
	EventSignUp:      "sign_up",
	EventViewContent: "view_item",
	EventPurchase:    "purchase",
}

// GoogleSender forwards events to the GA4 Measurement Protocol.
type GoogleSender struct {
	configuration config.VendorConfig
	baseURL       string
	pipeline      *Pipeline
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewGoogleSender creates a Measurement Protocol sender.
func NewGoogleSender(configuration config.VendorConfig, pipeline *Pipeline, logger *zap.Logger) *GoogleSender {
	return &GoogleSender{
		configuration: configuration,
		baseURL:       googleDefaultBaseURL,
		pipeline:      pipeline,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// WithBaseURL overrides the Measurement Protocol host, used by tests.
func (sender *GoogleSender) WithBaseURL(baseURL string) *GoogleSender {
	sender.baseURL = strings.TrimRight(baseURL, "/")
	return sender
}

// WithHTTPClient overrides the outbound HTTP client.
func (sender *GoogleSender) WithHTTPClient(client *http.Client) *GoogleSender {
	sender.httpClient = client
	return sender
}

// Name identifies the vendor in logs.
func (sender *GoogleSender) Name() string {
	return googleVendorName
}

type googleEventBody struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"params,omitempty"`
}

type googleRequestBody struct {
	ClientID string            `json:"client_id"`
	Events   []googleEventBody `json:"events"`
}

// Send forwards the event unless the deployment is a preview or the
// measurement credentials are missing.
func (sender *GoogleSender) Send(ctx context.Context, event Event) string {
	if event.Context.Preview {
		return ""
	}
	if sender.configuration.GoogleMeasurementID == "" || sender.configuration.GoogleAPISecret == "" {
		return ""
	}
	if IsResultsPath(event.Context.Path) && !event.AllowOnResults {
		return ""
	}

	eventName, known := googleEventNames[event.Name]
	if !known {
		eventName = strings.ToLower(event.Name)
	}
	parameters := map[string]any{}
	for key, value := range event.Properties {
		if key == PropertyEmail {
			continue
		}
		parameters[key] = value
	}
	if eventName == googleEventPageView {
		parameters[PropertyPagePath] = event.Context.Path
	}
	payload := googleRequestBody{
		ClientID: event.Context.Attribution.UUID,
		Events:   []googleEventBody{{Name: eventName, Parameters: parameters}},
	}

	submit(sender.pipeline, sender.logger, googleVendorName, event.Name, func(taskCtx context.Context) {
		sender.post(taskCtx, payload)
	})
	return event.Context.Attribution.UUID
}

func (sender *GoogleSender) post(ctx context.Context, payload googleRequestBody) {
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		sender.logger.Warn(logEventGoogleSendFailed, zap.Error(marshalErr))
		return
	}
	collectURL := fmt.Sprintf(googleCollectFormat, sender.baseURL, sender.configuration.GoogleMeasurementID, sender.configuration.GoogleAPISecret)
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, collectURL, bytes.NewReader(body))
	if requestErr != nil {
		sender.logger.Warn(logEventGoogleSendFailed, zap.Error(requestErr))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	response, sendErr := sender.httpClient.Do(request)
	if sendErr != nil {
		sender.logger.Warn(logEventGoogleSendFailed, zap.Error(sendErr))
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		sender.logger.Warn(logEventGoogleRejected, zap.Int("status", response.StatusCode))
	}
}
