package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
)

const (
	plausibleVendorName = "plausible"
	plausibleEventPath  = "/api/event"

	logEventPlausibleSendFailed = "plausible_send_failed"
	logEventPlausibleRejected   = "plausible_rejected"
)

// PlausibleSender forwards custom events to the Plausible Events API. It is
// cookieless, so no consent gate applies.
type PlausibleSender struct {
	configuration config.VendorConfig
	pipeline      *Pipeline
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewPlausibleSender creates a Plausible Events API sender.
func NewPlausibleSender(configuration config.VendorConfig, pipeline *Pipeline, logger *zap.Logger) *PlausibleSender {
	return &PlausibleSender{
		configuration: configuration,
		pipeline:      pipeline,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// WithHTTPClient overrides the outbound HTTP client.
func (sender *PlausibleSender) WithHTTPClient(client *http.Client) *PlausibleSender {
	sender.httpClient = client
	return sender
}

// Name identifies the vendor in logs.
func (sender *PlausibleSender) Name() string {
	return plausibleVendorName
}

type plausibleRequestBody struct {
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Domain     string            `json:"domain"`
	Properties map[string]string `json:"props,omitempty"`
}

// Send forwards the event when a site domain is configured. Preview
// deployments are suppressed.
func (sender *PlausibleSender) Send(ctx context.Context, event Event) string {
	if event.Context.Preview {
		return ""
	}
	if sender.configuration.PlausibleDomain == "" || sender.configuration.PlausibleEndpoint == "" {
		return ""
	}
	if IsResultsPath(event.Context.Path) && !event.AllowOnResults {
		return ""
	}

	properties := map[string]string{}
	for key, value := range event.Properties {
		if key == PropertyEmail {
			continue
		}
		if text, isString := value.(string); isString && text != "" {
			properties[key] = text
		}
	}
	if len(properties) == 0 {
		properties = nil
	}
	payload := plausibleRequestBody{
		Name:       event.Name,
		URL:        "https://" + sender.configuration.PlausibleDomain + event.Context.Path,
		Domain:     sender.configuration.PlausibleDomain,
		Properties: properties,
	}
	userAgent := event.Context.UserAgent
	clientIP := event.Context.ClientIP

	submit(sender.pipeline, sender.logger, plausibleVendorName, event.Name, func(taskCtx context.Context) {
		sender.post(taskCtx, payload, userAgent, clientIP)
	})
	return event.Context.Attribution.UUID
}

func (sender *PlausibleSender) post(ctx context.Context, payload plausibleRequestBody, userAgent string, clientIP string) {
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		sender.logger.Warn(logEventPlausibleSendFailed, zap.Error(marshalErr))
		return
	}
	eventURL := strings.TrimRight(sender.configuration.PlausibleEndpoint, "/") + plausibleEventPath
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, eventURL, bytes.NewReader(body))
	if requestErr != nil {
		sender.logger.Warn(logEventPlausibleSendFailed, zap.Error(requestErr))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	if userAgent != "" {
		request.Header.Set("User-Agent", userAgent)
	}
	if clientIP != "" {
		request.Header.Set("X-Forwarded-For", clientIP)
	}
	response, sendErr := sender.httpClient.Do(request)
	if sendErr != nil {
		sender.logger.Warn(logEventPlausibleSendFailed, zap.Error(sendErr))
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		sender.logger.Warn(logEventPlausibleRejected, zap.Int("status", response.StatusCode))
	}
}
