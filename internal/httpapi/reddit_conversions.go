package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
	"github.com/PrismResearchLab/tracking_svc/internal/tracking"
)

const (
	redditTokenPath       = "/api/v2/access_token"
	redditConversionsPath = "/api/v3/measurements/conversions"
	redditRetryAttempts   = 3
	redditRetryBaseDelay  = 250 * time.Millisecond

	errorValueMissingEventName = "missing_event_name"
	errorValueMissingContext   = "missing_ctx"
	errorValueNotConfigured    = "reddit_not_configured"

	logEventRedditProxyRetry       = "reddit_proxy_retry"
	logEventRedditTokenFetchFailed = "reddit_token_fetch_failed"
)

// RedditProxy relays conversion events to the Reddit Ads measurement API.
// Credentials stay server-side; the proxy exchanges them for a bearer token
// on demand and caches it until shortly before expiry. Responses are always
// HTTP 200 so a broken ads integration can never break page tracking.
type RedditProxy struct {
	configuration config.VendorConfig
	httpClient    *http.Client
	logger        *zap.Logger
	retryDelay    time.Duration
	now           func() time.Time

	tokenMutex  sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// NewRedditProxy creates the proxy handler.
func NewRedditProxy(configuration config.VendorConfig, logger *zap.Logger) *RedditProxy {
	return &RedditProxy{
		configuration: configuration,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger,
		retryDelay:    redditRetryBaseDelay,
		now:           time.Now,
	}
}

// WithRetryDelay overrides the backoff base delay, used by tests.
func (proxy *RedditProxy) WithRetryDelay(delay time.Duration) *RedditProxy {
	proxy.retryDelay = delay
	return proxy
}

type redditProxyRequestContext struct {
	ClickID      string `json:"click_id"`
	UUID         string `json:"uuid"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	Email        string `json:"email"`
	ExternalID   string `json:"external_id"`
	MobileAdID   string `json:"maid"`
}

type redditProxyRequestBody struct {
	EventName string                     `json:"event_name"`
	Context   *redditProxyRequestContext `json:"ctx"`
	Payload   map[string]any             `json:"payload"`
}

// Convert relays one conversion event. The endpoint always answers HTTP
// 200; failures are reported in the body.
func (proxy *RedditProxy) Convert(requestContext *gin.Context) {
	var body redditProxyRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusOK, gin.H{"ok": false, "error": errorValueInvalidPayload})
		return
	}
	if strings.TrimSpace(body.EventName) == "" {
		requestContext.JSON(http.StatusOK, gin.H{"ok": false, "error": errorValueMissingEventName})
		return
	}
	if body.Context == nil {
		requestContext.JSON(http.StatusOK, gin.H{"ok": false, "error": errorValueMissingContext})
		return
	}
	if proxy.configuration.RedditAppID == "" || proxy.configuration.RedditSecret == "" ||
		proxy.configuration.RedditPixelID == "" || proxy.configuration.RedditAdAccountID == "" {
		requestContext.JSON(http.StatusOK, gin.H{"ok": false, "error": errorValueNotConfigured})
		return
	}

	if relayErr := proxy.relay(requestContext.Request.Context(), body); relayErr != nil {
		proxy.logger.Warn("reddit_conversion_failed", zap.Error(relayErr), zap.String("event_name", body.EventName))
		requestContext.JSON(http.StatusOK, gin.H{"ok": false, "error": relayErr.Error()})
		return
	}
	requestContext.JSON(http.StatusOK, gin.H{"ok": true, "event_name": body.EventName})
}

type redditAttribution struct {
	ClickID      string `json:"click_id,omitempty"`
	UUID         string `json:"uuid,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	ScreenWidth  int    `json:"screen_width,omitempty"`
	ScreenHeight int    `json:"screen_height,omitempty"`
	Email        string `json:"email,omitempty"`
	ExternalID   string `json:"external_id,omitempty"`
	MobileAdID   string `json:"maid,omitempty"`
}

type redditConversionEvent struct {
	EventName   string            `json:"event_name"`
	EventTime   string            `json:"event_at"`
	PixelID     string            `json:"pixel_id"`
	Attribution redditAttribution `json:"attribution"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

type redditConversionsBody struct {
	AdAccountID string                  `json:"ad_account_id"`
	Data        []redditConversionEvent `json:"data"`
}

func (proxy *RedditProxy) buildConversionsBody(body redditProxyRequestBody) redditConversionsBody {
	attribution := redditAttribution{
		ClickID:      body.Context.ClickID,
		UUID:         body.Context.UUID,
		IPAddress:    body.Context.IPAddress,
		UserAgent:    body.Context.UserAgent,
		ScreenWidth:  body.Context.ScreenWidth,
		ScreenHeight: body.Context.ScreenHeight,
		MobileAdID:   body.Context.MobileAdID,
	}
	if body.Context.Email != "" {
		attribution.Email = tracking.HashIdentifier(body.Context.Email)
	}
	if body.Context.ExternalID != "" {
		attribution.ExternalID = tracking.HashIdentifier(body.Context.ExternalID)
	}

	return redditConversionsBody{
		AdAccountID: proxy.configuration.RedditAdAccountID,
		Data: []redditConversionEvent{{
			EventName:   body.EventName,
			EventTime:   proxy.now().UTC().Format(time.RFC3339),
			PixelID:     proxy.configuration.RedditPixelID,
			Attribution: attribution,
			Metadata:    body.Payload,
		}},
	}
}

func (proxy *RedditProxy) relay(ctx context.Context, body redditProxyRequestBody) error {
	payload, marshalErr := json.Marshal(proxy.buildConversionsBody(body))
	if marshalErr != nil {
		return marshalErr
	}

	var lastErr error
	for attempt := 0; attempt < redditRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := proxy.retryDelay * time.Duration(1<<(attempt-1))
			proxy.logger.Warn(logEventRedditProxyRetry, zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		token, tokenErr := proxy.accessToken(ctx)
		if tokenErr != nil {
			lastErr = tokenErr
			continue
		}

		request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, proxy.configuration.RedditAPIBase+redditConversionsPath, bytes.NewReader(payload))
		if requestErr != nil {
			return requestErr
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("Authorization", "Bearer "+token)

		response, sendErr := proxy.httpClient.Do(request)
		if sendErr != nil {
			lastErr = sendErr
			continue
		}
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		_ = response.Body.Close()

		if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
			return nil
		}
		lastErr = fmt.Errorf("conversions call failed with status %d: %s", response.StatusCode, strings.TrimSpace(string(responseBody)))
		if response.StatusCode >= http.StatusBadRequest && response.StatusCode < http.StatusInternalServerError {
			if response.StatusCode == http.StatusUnauthorized {
				proxy.invalidateToken()
				continue
			}
			return lastErr
		}
	}
	return lastErr
}

type redditTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken returns a cached bearer token, exchanging the client
// credentials when the cache is empty or near expiry.
func (proxy *RedditProxy) accessToken(ctx context.Context) (string, error) {
	proxy.tokenMutex.Lock()
	defer proxy.tokenMutex.Unlock()
	if proxy.cachedToken != "" && proxy.now().Before(proxy.tokenExpiry) {
		return proxy.cachedToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, proxy.configuration.RedditAPIBase+redditTokenPath, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return "", requestErr
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.SetBasicAuth(proxy.configuration.RedditAppID, proxy.configuration.RedditSecret)

	response, sendErr := proxy.httpClient.Do(request)
	if sendErr != nil {
		proxy.logger.Warn(logEventRedditTokenFetchFailed, zap.Error(sendErr))
		return "", sendErr
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 2048))
		fetchErr := fmt.Errorf("token exchange failed with status %d: %s", response.StatusCode, strings.TrimSpace(string(responseBody)))
		proxy.logger.Warn(logEventRedditTokenFetchFailed, zap.Error(fetchErr))
		return "", fetchErr
	}

	var tokenResponse redditTokenResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&tokenResponse); decodeErr != nil {
		return "", decodeErr
	}
	if tokenResponse.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned an empty token")
	}

	expiresIn := tokenResponse.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	proxy.cachedToken = tokenResponse.AccessToken
	proxy.tokenExpiry = proxy.now().Add(time.Duration(expiresIn-60) * time.Second)
	return proxy.cachedToken, nil
}

func (proxy *RedditProxy) invalidateToken() {
	proxy.tokenMutex.Lock()
	defer proxy.tokenMutex.Unlock()
	proxy.cachedToken = ""
	proxy.tokenExpiry = time.Time{}
}
