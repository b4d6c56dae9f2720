package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	redditVendorName           = "reddit"
	redditConversionsProxyPath = "/functions/v1/reddit-conversions"

	logEventRedditSendFailed = "reddit_send_failed"
	logEventRedditRejected   = "reddit_rejected"
)

// redditEventNames maps the semantic names onto the Reddit conversion
// vocabulary.
var redditEventNames = map[string]string{
	EventPageView:    "PageVisit",
	EventLead:        "Lead",
	EventSignUp:      "SignUp",
	EventViewContent: "ViewContent",
	EventPurchase:    "Purchase",
}

// GenerateConversionID builds the deterministic deduplication key for a
// conversion: the session identifier and event type joined with additional
// qualifiers, skipping blanks.
func GenerateConversionID(sessionID string, eventType string, additional ...string) string {
	parts := make([]string, 0, 2+len(additional))
	for _, part := range append([]string{sessionID, eventType}, additional...) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "-")
}

// RedditSender forwards consented events to the in-process Reddit
// conversions proxy, which exchanges credentials and talks to the Ads API.
type RedditSender struct {
	proxyBaseURL string
	anonKey      string
	pipeline     *Pipeline
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewRedditSender creates a sender pointed at the conversions proxy.
func NewRedditSender(proxyBaseURL string, anonKey string, pipeline *Pipeline, logger *zap.Logger) *RedditSender {
	return &RedditSender{
		proxyBaseURL: strings.TrimRight(proxyBaseURL, "/"),
		anonKey:      anonKey,
		pipeline:     pipeline,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
	}
}

// WithHTTPClient overrides the outbound HTTP client.
func (sender *RedditSender) WithHTTPClient(client *http.Client) *RedditSender {
	sender.httpClient = client
	return sender
}

// Name identifies the vendor in logs.
func (sender *RedditSender) Name() string {
	return redditVendorName
}

type redditProxyContext struct {
	ClickID      string `json:"click_id,omitempty"`
	UUID         string `json:"uuid,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	ScreenWidth  int    `json:"screen_width,omitempty"`
	ScreenHeight int    `json:"screen_height,omitempty"`
	Email        string `json:"email,omitempty"`
}

type redditProxyRequest struct {
	EventName string             `json:"event_name"`
	Context   redditProxyContext `json:"ctx"`
	Payload   map[string]any     `json:"payload,omitempty"`
}

// Send forwards the event to the proxy when consent was granted. The
// conversion identifier doubles as the returned event id.
func (sender *RedditSender) Send(ctx context.Context, event Event) string {
	if event.Context.Preview || !event.Context.ConsentAnalytics {
		return ""
	}
	if sender.proxyBaseURL == "" {
		return ""
	}
	if IsResultsPath(event.Context.Path) && !event.AllowOnResults {
		return ""
	}

	eventName, known := redditEventNames[event.Name]
	if !known {
		eventName = event.Name
	}
	conversionID := GenerateConversionID(event.Property(PropertySessionID), eventName)
	if conversionID == eventName {
		conversionID = GenerateConversionID(event.Context.Attribution.UUID, eventName)
	}

	payload := map[string]any{PropertyConversionID: conversionID}
	for key, value := range event.Properties {
		if key == PropertyEmail {
			continue
		}
		payload[key] = value
	}
	request := redditProxyRequest{
		EventName: eventName,
		Context: redditProxyContext{
			ClickID:      event.Context.Attribution.ClickID,
			UUID:         event.Context.Attribution.UUID,
			IPAddress:    event.Context.ClientIP,
			UserAgent:    event.Context.UserAgent,
			ScreenWidth:  event.Context.Attribution.ScreenWidth,
			ScreenHeight: event.Context.Attribution.ScreenHeight,
			Email:        event.Property(PropertyEmail),
		},
		Payload: payload,
	}

	submit(sender.pipeline, sender.logger, redditVendorName, event.Name, func(taskCtx context.Context) {
		sender.post(taskCtx, request)
	})
	return conversionID
}

func (sender *RedditSender) post(ctx context.Context, proxyRequest redditProxyRequest) {
	body, marshalErr := json.Marshal(proxyRequest)
	if marshalErr != nil {
		sender.logger.Warn(logEventRedditSendFailed, zap.Error(marshalErr))
		return
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, sender.proxyBaseURL+redditConversionsProxyPath, bytes.NewReader(body))
	if requestErr != nil {
		sender.logger.Warn(logEventRedditSendFailed, zap.Error(requestErr))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	if sender.anonKey != "" {
		request.Header.Set("apikey", sender.anonKey)
	}
	response, sendErr := sender.httpClient.Do(request)
	if sendErr != nil {
		sender.logger.Warn(logEventRedditSendFailed, zap.Error(sendErr))
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		sender.logger.Warn(logEventRedditRejected, zap.Int("status", response.StatusCode))
	}
}
