package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
)

const (
	linkedInVendorName    = "linkedin"
	linkedInCAPIProxyPath = "/functions/v1/linkedin-capi"

	// LinkedInCodeConsentBlocked marks a conversion suppressed before any
	// network activity because analytics consent was withheld.
	LinkedInCodeConsentBlocked = "consent_blocked"
	// LinkedInCodeNetworkError marks a transport-level failure.
	LinkedInCodeNetworkError = "network_error"
	// LinkedInCodeUnknownFailure marks a response the client could not interpret.
	LinkedInCodeUnknownFailure = "unknown_failure"

	logEventLinkedInSendFailed = "linkedin_send_failed"
)

// ConversionResult is the structured outcome of one conversion attempt.
// Ok false always comes with a Code; callers log it and move on.
type ConversionResult struct {
	Ok        bool     `json:"ok"`
	EventID   string   `json:"eventId,omitempty"`
	Status    string   `json:"status,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Code      string   `json:"code,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// LinkedInSender forwards consented events through the in-process
// Conversions API proxy, which holds the access token and handles retries.
type LinkedInSender struct {
	configuration config.VendorConfig
	proxyBaseURL  string
	anonKey       string
	pipeline      *Pipeline
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewLinkedInSender creates a sender pointed at the conversions proxy.
func NewLinkedInSender(configuration config.VendorConfig, proxyBaseURL string, anonKey string, pipeline *Pipeline, logger *zap.Logger) *LinkedInSender {
	return &LinkedInSender{
		configuration: configuration,
		proxyBaseURL:  strings.TrimRight(proxyBaseURL, "/"),
		anonKey:       anonKey,
		pipeline:      pipeline,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger,
	}
}

// WithHTTPClient overrides the outbound HTTP client.
func (sender *LinkedInSender) WithHTTPClient(client *http.Client) *LinkedInSender {
	sender.httpClient = client
	return sender
}

// Name identifies the vendor in logs.
func (sender *LinkedInSender) Name() string {
	return linkedInVendorName
}

// conversionIDFor picks the configured conversion rule for a semantic event.
func (sender *LinkedInSender) conversionIDFor(eventName string) string {
	switch eventName {
	case EventPageView:
		return sender.configuration.LinkedInPageViewID
	case EventLead:
		return sender.configuration.LinkedInLeadConversionID
	case EventSignUp:
		return sender.configuration.LinkedInSignupID
	case EventPurchase:
		return sender.configuration.LinkedInPurchaseID
	default:
		return ""
	}
}

// LinkedInConversion is the proxy request body for one conversion.
type LinkedInConversion struct {
	ConversionID string         `json:"conversionId"`
	Email        string         `json:"email,omitempty"`
	Amount       any            `json:"amount,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	EventID      string         `json:"eventId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Send forwards the event through the proxy. Events without a configured
// conversion rule, without consent, or on suppressed paths return empty.
func (sender *LinkedInSender) Send(ctx context.Context, event Event) string {
	if event.Context.Preview || !event.Context.ConsentAnalytics {
		return ""
	}
	if sender.proxyBaseURL == "" {
		return ""
	}
	conversionID := sender.conversionIDFor(event.Name)
	if conversionID == "" {
		return ""
	}
	if IsResultsPath(event.Context.Path) && !event.AllowOnResults {
		return ""
	}

	eventID := event.Context.Attribution.UUID
	if sessionID := event.Property(PropertySessionID); sessionID != "" {
		eventID = GenerateConversionID(sessionID, event.Name)
	}
	payload := LinkedInConversion{
		ConversionID: conversionID,
		Email:        event.Property(PropertyEmail),
		Currency:     event.Property(PropertyCurrency),
		EventID:      eventID,
	}
	if amount, present := event.Properties[PropertyValue]; present {
		payload.Amount = amount
	}

	submit(sender.pipeline, sender.logger, linkedInVendorName, event.Name, func(taskCtx context.Context) {
		result := sender.Convert(taskCtx, payload, true)
		if !result.Ok {
			sender.logger.Warn(logEventLinkedInSendFailed,
				zap.String("code", result.Code),
				zap.String("error", result.Error))
		}
	})
	return eventID
}

// Convert performs one synchronous proxy call and interprets the response
// into a ConversionResult. It never returns an error; failures come back as
// coded results.
func (sender *LinkedInSender) Convert(ctx context.Context, payload LinkedInConversion, consentAnalytics bool) ConversionResult {
	if !consentAnalytics {
		return ConversionResult{Ok: false, Code: LinkedInCodeConsentBlocked, Error: "analytics consent withheld"}
	}
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return ConversionResult{Ok: false, Code: LinkedInCodeUnknownFailure, Error: marshalErr.Error()}
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, sender.proxyBaseURL+linkedInCAPIProxyPath, bytes.NewReader(body))
	if requestErr != nil {
		return ConversionResult{Ok: false, Code: LinkedInCodeUnknownFailure, Error: requestErr.Error()}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-consent-analytics", strconv.FormatBool(consentAnalytics))
	if sender.anonKey != "" {
		request.Header.Set("apikey", sender.anonKey)
	}

	response, sendErr := sender.httpClient.Do(request)
	if sendErr != nil {
		return ConversionResult{Ok: false, Code: LinkedInCodeNetworkError, Error: sendErr.Error()}
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode == http.StatusNoContent {
		return ConversionResult{Ok: true, Status: "skipped"}
	}
	var result ConversionResult
	if decodeErr := json.NewDecoder(response.Body).Decode(&result); decodeErr != nil {
		return ConversionResult{
			Ok:    false,
			Code:  fmt.Sprintf("http_%d", response.StatusCode),
			Error: decodeErr.Error(),
		}
	}
	if !result.Ok && result.Code == "" {
		result.Code = fmt.Sprintf("http_%d", response.StatusCode)
	}
	return result
}
