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
	quoraVendorName = "quora"

	logEventQuoraSendFailed = "quora_send_failed"
	logEventQuoraRejected   = "quora_rejected"
)

// quoraEventNames maps the semantic names onto the Quora pixel vocabulary.
var quoraEventNames = map[string]string{
	EventLead:        "GenerateLead",
	EventSignUp:      "CompleteRegistration",
	EventViewContent: "ViewContent",
	EventPurchase:    "Purchase",
}

// QuoraSender forwards events to the Quora conversion endpoint.
type QuoraSender struct {
	configuration config.VendorConfig
	pipeline      *Pipeline
	httpClient    *http.Client
	logger        *zap.Logger
	now           func() time.Time
}

// NewQuoraSender creates a conversion sender.
func NewQuoraSender(configuration config.VendorConfig, pipeline *Pipeline, logger *zap.Logger) *QuoraSender {
	return &QuoraSender{
		configuration: configuration,
		pipeline:      pipeline,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
		now:           time.Now,
	}
}

// WithHTTPClient overrides the outbound HTTP client.
func (sender *QuoraSender) WithHTTPClient(client *http.Client) *QuoraSender {
	sender.httpClient = client
	return sender
}

// Name identifies the vendor in logs.
func (sender *QuoraSender) Name() string {
	return quoraVendorName
}

type quoraRequestContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type quoraRequestBody struct {
	EventName string              `json:"event_name"`
	EventID   string              `json:"event_id"`
	Time      string              `json:"time"`
	Value     any                 `json:"value,omitempty"`
	Currency  string              `json:"currency,omitempty"`
	Context   quoraRequestContext `json:"context"`
}

// Send forwards mapped events when the endpoint is configured. Events with
// no Quora equivalent are dropped. The event id pairs the session with the
// mapped name so retries deduplicate.
func (sender *QuoraSender) Send(ctx context.Context, event Event) string {
	if event.Context.Preview {
		return ""
	}
	if sender.configuration.QuoraEndpoint == "" {
		return ""
	}
	if IsResultsPath(event.Context.Path) && !event.AllowOnResults {
		return ""
	}
	eventName, known := quoraEventNames[event.Name]
	if !known {
		return ""
	}

	sessionID := event.Property(PropertySessionID)
	if sessionID == "" {
		sessionID = event.Context.Attribution.UUID
	}
	eventID := sessionID + ":" + eventName

	payload := quoraRequestBody{
		EventName: eventName,
		EventID:   eventID,
		Time:      sender.now().UTC().Format(time.RFC3339),
		Currency:  event.Property(PropertyCurrency),
		Context: quoraRequestContext{
			IPAddress: event.Context.ClientIP,
			UserAgent: event.Context.UserAgent,
		},
	}
	if value, present := event.Properties[PropertyValue]; present {
		payload.Value = value
	}

	submit(sender.pipeline, sender.logger, quoraVendorName, event.Name, func(taskCtx context.Context) {
		sender.post(taskCtx, payload)
	})
	return eventID
}

func (sender *QuoraSender) post(ctx context.Context, payload quoraRequestBody) {
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		sender.logger.Warn(logEventQuoraSendFailed, zap.Error(marshalErr))
		return
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, sender.configuration.QuoraEndpoint, bytes.NewReader(body))
	if requestErr != nil {
		sender.logger.Warn(logEventQuoraSendFailed, zap.Error(requestErr))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	if sender.configuration.QuoraToken != "" {
		request.Header.Set("Authorization", "Bearer "+sender.configuration.QuoraToken)
	}
	response, sendErr := sender.httpClient.Do(request)
	if sendErr != nil {
		sender.logger.Warn(logEventQuoraSendFailed, zap.Error(sendErr))
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		sender.logger.Warn(logEventQuoraRejected, zap.Int("status", response.StatusCode))
	}
}
