package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
)

const (
	twitterVendorName = "twitter"

	logEventTwitterSendFailed = "twitter_send_failed"
	logEventTwitterRejected   = "twitter_rejected"
)

// TwitterSender forwards events to a Twitter conversion endpoint. Results
// pages are suppressed unless the event explicitly allows them; allowed
// events carry a marker so the downstream relay can tell them apart.
type TwitterSender struct {
	configuration config.VendorConfig
	pipeline      *Pipeline
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewTwitterSender creates a conversion sender.
func NewTwitterSender(configuration config.VendorConfig, pipeline *Pipeline, logger *zap.Logger) *TwitterSender {
	return &TwitterSender{
		configuration: configuration,
		pipeline:      pipeline,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// WithHTTPClient overrides the outbound HTTP client.
func (sender *TwitterSender) WithHTTPClient(client *http.Client) *TwitterSender {
	sender.httpClient = client
	return sender
}

// Name identifies the vendor in logs.
func (sender *TwitterSender) Name() string {
	return twitterVendorName
}

// Send forwards the event when the endpoint is configured. Identifier
// properties are renamed into the conversion API vocabulary and empty
// values are dropped.
func (sender *TwitterSender) Send(ctx context.Context, event Event) string {
	if event.Context.Preview {
		return ""
	}
	if sender.configuration.TwitterEndpoint == "" {
		return ""
	}
	onResults := IsResultsPath(event.Context.Path)
	if onResults && !event.AllowOnResults {
		return ""
	}

	properties := map[string]any{"event": event.Name}
	for key, value := range event.Properties {
		if value == nil {
			continue
		}
		switch key {
		case PropertyEmail:
			properties["email_address"] = value
		case "phone":
			properties["phone_number"] = value
		default:
			properties[key] = value
		}
	}
	if onResults && event.AllowOnResults {
		properties["__allowResults"] = true
	}

	submit(sender.pipeline, sender.logger, twitterVendorName, event.Name, func(taskCtx context.Context) {
		sender.post(taskCtx, properties)
	})
	return event.Context.Attribution.UUID
}

func (sender *TwitterSender) post(ctx context.Context, properties map[string]any) {
	body, marshalErr := json.Marshal(properties)
	if marshalErr != nil {
		sender.logger.Warn(logEventTwitterSendFailed, zap.Error(marshalErr))
		return
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, sender.configuration.TwitterEndpoint, bytes.NewReader(body))
	if requestErr != nil {
		sender.logger.Warn(logEventTwitterSendFailed, zap.Error(requestErr))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	if sender.configuration.TwitterToken != "" {
		request.Header.Set("Authorization", "Bearer "+sender.configuration.TwitterToken)
	}
	response, sendErr := sender.httpClient.Do(request)
	if sendErr != nil {
		sender.logger.Warn(logEventTwitterSendFailed, zap.Error(sendErr))
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		sender.logger.Warn(logEventTwitterRejected, zap.Int("status", response.StatusCode))
	}
}
