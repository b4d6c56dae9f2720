package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
	"github.com/PrismResearchLab/tracking_svc/internal/tracking"
)

const (
	linkedInEventsEndpoint  = "https://api.linkedin.com/rest/conversionEvents"
	linkedInAPIVersion      = "202409"
	linkedInRetryAttempts   = 3
	linkedInRetryBaseDelay  = 250 * time.Millisecond
	linkedInRequestIDHeader = "x-restli-request-id"

	headerConsentAnalytics = "x-consent-analytics"

	linkedInCodeMissingConversionID = "missing_conversion_id"
	linkedInCodeBadRequest          = "bad_request"
	linkedInCodeUnauthorized        = "unauthorized"
	linkedInCodeNotFound            = "not_found"
	linkedInCodeRateLimited         = "rate_limited"
	linkedInCodeRemoteError         = "remote_error"
	linkedInCodeNetworkError        = "network_error"
	linkedInCodeMissingToken        = "missing_token"

	logEventLinkedInProxyRetry = "linkedin_proxy_retry"
)

var sha256HexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// LinkedInProxy relays conversion events to the LinkedIn Conversions API.
// The access token never leaves the server; callers send plain identifiers
// and the proxy hashes them before anything crosses the wire.
type LinkedInProxy struct {
	configuration config.VendorConfig
	endpoint      string
	httpClient    *http.Client
	logger        *zap.Logger
	retryDelay    time.Duration
	now           func() time.Time
}

// NewLinkedInProxy creates the proxy handler.
func NewLinkedInProxy(configuration config.VendorConfig, logger *zap.Logger) *LinkedInProxy {
	return &LinkedInProxy{
		configuration: configuration,
		endpoint:      linkedInEventsEndpoint,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger,
		retryDelay:    linkedInRetryBaseDelay,
		now:           time.Now,
	}
}

// WithEndpoint overrides the upstream endpoint, used by tests.
func (proxy *LinkedInProxy) WithEndpoint(endpoint string) *LinkedInProxy {
	proxy.endpoint = endpoint
	return proxy
}

// WithRetryDelay overrides the backoff base delay, used by tests.
func (proxy *LinkedInProxy) WithRetryDelay(delay time.Duration) *LinkedInProxy {
	proxy.retryDelay = delay
	return proxy
}

// Status is the readiness probe: it reports whether an access token is
// loaded without revealing it.
func (proxy *LinkedInProxy) Status(requestContext *gin.Context) {
	requestContext.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"status":   "ready",
		"hasToken": proxy.configuration.LinkedInToken != "",
	})
}

type linkedInConversionRequestBody struct {
	ConversionID string         `json:"conversionId"`
	Email        string         `json:"email"`
	Phone        string         `json:"phone"`
	Hashed       bool           `json:"hashed"`
	Amount       *float64       `json:"amount"`
	Currency     string         `json:"currency"`
	EventID      string         `json:"eventId"`
	DryRun       bool           `json:"dryRun"`
	Metadata     map[string]any `json:"metadata"`
}

// Convert relays one conversion. Consent is enforced before any upstream
// traffic; withheld consent is a silent skip, not an error.
func (proxy *LinkedInProxy) Convert(requestContext *gin.Context) {
	if strings.EqualFold(requestContext.GetHeader(headerConsentAnalytics), "false") {
		requestContext.Status(http.StatusNoContent)
		return
	}

	var body linkedInConversionRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, tracking.ConversionResult{Ok: false, Code: linkedInCodeBadRequest, Error: bindErr.Error()})
		return
	}
	if strings.TrimSpace(body.ConversionID) == "" {
		requestContext.JSON(http.StatusBadRequest, tracking.ConversionResult{Ok: false, Code: linkedInCodeMissingConversionID, Error: "conversionId is required"})
		return
	}
	if proxy.configuration.LinkedInToken == "" {
		requestContext.JSON(http.StatusServiceUnavailable, tracking.ConversionResult{Ok: false, Code: linkedInCodeMissingToken, Error: "conversion token not configured"})
		return
	}

	eventID := strings.TrimSpace(body.EventID)
	if eventID == "" {
		eventID = tracking.GenerateConversionID(body.ConversionID, "conversion")
	}
	if body.DryRun {
		requestContext.JSON(http.StatusOK, tracking.ConversionResult{Ok: true, EventID: eventID, Status: "dry_run"})
		return
	}

	upstreamBody := proxy.buildUpstreamBody(body, eventID)
	result := proxy.relay(requestContext, upstreamBody, eventID)
	status := http.StatusOK
	if !result.Ok {
		status = http.StatusBadGateway
	}
	requestContext.JSON(status, result)
}

type linkedInUserID struct {
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
}

type linkedInUser struct {
	UserIDs []linkedInUserID `json:"userIds"`
}

type linkedInConversionValue struct {
	CurrencyCode string  `json:"currencyCode"`
	Amount       float64 `json:"amount"`
}

type linkedInUpstreamBody struct {
	Conversion           string                   `json:"conversion"`
	ConversionHappenedAt int64                    `json:"conversionHappenedAt"`
	EventID              string                   `json:"eventId"`
	User                 linkedInUser             `json:"user"`
	ConversionValue      *linkedInConversionValue `json:"conversionValue,omitempty"`
}

func (proxy *LinkedInProxy) buildUpstreamBody(body linkedInConversionRequestBody, eventID string) linkedInUpstreamBody {
	var userIDs []linkedInUserID
	if email := strings.TrimSpace(body.Email); email != "" {
		userIDs = append(userIDs, linkedInUserID{IDType: "SHA256_EMAIL", IDValue: normalizeHash(email, body.Hashed)})
	}
	if phone := strings.TrimSpace(body.Phone); phone != "" {
		userIDs = append(userIDs, linkedInUserID{IDType: "SHA256_PHONE_NUMBER", IDValue: normalizeHash(phone, body.Hashed)})
	}

	upstream := linkedInUpstreamBody{
		Conversion:           body.ConversionID,
		ConversionHappenedAt: proxy.now().UnixMilli(),
		EventID:              eventID,
		User:                 linkedInUser{UserIDs: userIDs},
	}
	if body.Amount != nil {
		currency := strings.ToUpper(strings.TrimSpace(body.Currency))
		if currency == "" {
			currency = "USD"
		}
		upstream.ConversionValue = &linkedInConversionValue{CurrencyCode: currency, Amount: *body.Amount}
	}
	return upstream
}

// normalizeHash hashes the identifier unless the caller marked it as
// pre-hashed and it already looks like a SHA-256 digest.
func normalizeHash(raw string, alreadyHashed bool) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if alreadyHashed && sha256HexPattern.MatchString(lowered) {
		return lowered
	}
	return tracking.HashIdentifier(raw)
}

func (proxy *LinkedInProxy) relay(requestContext *gin.Context, upstream linkedInUpstreamBody, eventID string) tracking.ConversionResult {
	payload, marshalErr := json.Marshal(upstream)
	if marshalErr != nil {
		return tracking.ConversionResult{Ok: false, Code: linkedInCodeBadRequest, Error: marshalErr.Error()}
	}

	var lastResult tracking.ConversionResult
	for attempt := 0; attempt < linkedInRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := proxy.retryDelay * time.Duration(1<<(attempt-1))
			proxy.logger.Warn(logEventLinkedInProxyRetry, zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
			select {
			case <-requestContext.Request.Context().Done():
				return lastResult
			case <-time.After(delay):
			}
		}

		request, requestErr := http.NewRequestWithContext(requestContext.Request.Context(), http.MethodPost, proxy.endpoint, bytes.NewReader(payload))
		if requestErr != nil {
			return tracking.ConversionResult{Ok: false, Code: linkedInCodeNetworkError, Error: requestErr.Error()}
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("Authorization", "Bearer "+proxy.configuration.LinkedInToken)
		request.Header.Set("LinkedIn-Version", linkedInAPIVersion)
		request.Header.Set("X-Restli-Protocol-Version", "2.0.0")

		response, sendErr := proxy.httpClient.Do(request)
		if sendErr != nil {
			lastResult = tracking.ConversionResult{Ok: false, Code: linkedInCodeNetworkError, Error: sendErr.Error()}
			continue
		}
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		_ = response.Body.Close()
		requestID := response.Header.Get(linkedInRequestIDHeader)

		if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
			return tracking.ConversionResult{Ok: true, EventID: eventID, Status: "sent", RequestID: requestID}
		}

		detail := strings.TrimSpace(string(responseBody))
		lastResult = tracking.ConversionResult{
			Ok:        false,
			EventID:   eventID,
			RequestID: requestID,
			Code:      codeForUpstreamStatus(response.StatusCode),
			Error:     detail,
		}
		if response.StatusCode >= http.StatusBadRequest && response.StatusCode < http.StatusInternalServerError && response.StatusCode != http.StatusTooManyRequests {
			return lastResult
		}
	}
	return lastResult
}

func codeForUpstreamStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return linkedInCodeUnauthorized
	case status == http.StatusNotFound:
		return linkedInCodeNotFound
	case status == http.StatusTooManyRequests:
		return linkedInCodeRateLimited
	case status >= http.StatusInternalServerError:
		return linkedInCodeRemoteError
	default:
		return linkedInCodeBadRequest
	}
}
