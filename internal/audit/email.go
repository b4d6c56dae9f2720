package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
)

const (
	defaultRequestTimeout = 10 * time.Second

	logEventAuditConfigMissing = "audit_email_config_missing"
	logEventAuditSendFailed    = "audit_email_send_failed"
	logEventAuditRejected      = "audit_email_rejected"
)

// Message is one audit notification. Variables are merged into the email
// template parameters alongside the subject and body.
type Message struct {
	Subject   string
	Message   string
	Variables map[string]string
}

// Sender delivers audit notifications. Failures are absorbed by the
// implementation: audit delivery must never break the caller.
type Sender interface {
	Send(ctx context.Context, message Message)
}

type noopSender struct{}

func (noopSender) Send(ctx context.Context, message Message) {}

// ResolveSender substitutes a no-op sender when none is configured.
func ResolveSender(sender Sender) Sender {
	if sender == nil {
		return noopSender{}
	}
	return sender
}

// EmailChannel sends audit notifications through the EmailJS HTTP API.
type EmailChannel struct {
	configuration config.EmailConfig
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewEmailChannel creates an audit channel backed by the transactional email provider.
func NewEmailChannel(configuration config.EmailConfig, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{
		configuration: configuration,
		httpClient:    &http.Client{Timeout: defaultRequestTimeout},
		logger:        logger,
	}
}

// WithHTTPClient overrides the HTTP client dependency.
func (channel *EmailChannel) WithHTTPClient(httpClient *http.Client) *EmailChannel {
	channel.httpClient = httpClient
	return channel
}

type emailRequestBody struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	TemplateParams map[string]string `json:"template_params"`
}

// Send posts the audit message. Missing configuration and provider failures
// are logged as warnings and otherwise ignored.
func (channel *EmailChannel) Send(ctx context.Context, message Message) {
	if channel == nil {
		return
	}
	if channel.configuration.ServiceID == "" || channel.configuration.TemplateID == "" || channel.configuration.PublicKey == "" {
		channel.warn(logEventAuditConfigMissing, nil, message.Subject)
		return
	}

	templateParams := map[string]string{
		"subject": message.Subject,
		"message": message.Message,
	}
	for key, value := range message.Variables {
		templateParams[key] = value
	}

	body, marshalErr := json.Marshal(emailRequestBody{
		ServiceID:      channel.configuration.ServiceID,
		TemplateID:     channel.configuration.TemplateID,
		UserID:         channel.configuration.PublicKey,
		TemplateParams: templateParams,
	})
	if marshalErr != nil {
		channel.warn(logEventAuditSendFailed, marshalErr, message.Subject)
		return
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, channel.configuration.Endpoint, bytes.NewReader(body))
	if requestErr != nil {
		channel.warn(logEventAuditSendFailed, requestErr, message.Subject)
		return
	}
	request.Header.Set("Content-Type", "application/json")

	response, sendErr := channel.httpClient.Do(request)
	if sendErr != nil {
		channel.warn(logEventAuditSendFailed, sendErr, message.Subject)
		return
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		channel.warn(logEventAuditRejected, fmt.Errorf("status %d", response.StatusCode), message.Subject)
	}
}

func (channel *EmailChannel) warn(event string, err error, subject string) {
	if channel.logger == nil {
		return
	}
	fields := []zap.Field{zap.String("subject", subject)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	channel.logger.Warn(event, fields...)
}
