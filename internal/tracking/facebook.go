package tracking

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
)

const (
	facebookVendorName      = "facebook"
	facebookGraphEndpoint   = "https://graph.facebook.com/v19.0/%s/events"
	facebookDefaultCurrency = "USD"

	facebookEventCompleteRegistration = "CompleteRegistration"

	logEventFacebookSendFailed = "facebook_send_failed"
	logEventFacebookRejected   = "facebook_rejected"
)

// facebookEventNames maps the internal semantic names onto the Conversions
// API vocabulary. Unlisted names pass through unchanged.
var facebookEventNames = map[string]string{
	EventSignUp: facebookEventCompleteRegistration,
}

// FacebookSender forwards consented events to the Meta Conversions API.
type FacebookSender struct {
	configuration config.VendorConfig
	endpoint      string
	pipeline      *Pipeline
	httpClient    *http.Client
	logger        *zap.Logger
	now           func() time.Time
}

// NewFacebookSender creates a Conversions API sender. A nil pipeline makes
// delivery synchronous, which the tests rely on.
func NewFacebookSender(configuration config.VendorConfig, pipeline *Pipeline, logger *zap.Logger) *FacebookSender {
	return &FacebookSender{
		configuration: configuration,
		endpoint:      fmt.Sprintf(facebookGraphEndpoint, configuration.FacebookPixelID),
		pipeline:      pipeline,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
		now:           time.Now,
	}
}

// WithEndpoint overrides the Graph API endpoint, used by tests.
func (sender *FacebookSender) WithEndpoint(endpoint string) *FacebookSender {
	sender.endpoint = endpoint
	return sender
}

// WithHTTPClient overrides the outbound HTTP client.
func (sender *FacebookSender) WithHTTPClient(client *http.Client) *FacebookSender {
	sender.httpClient = client
	return sender
}

// Name identifies the vendor in logs.
func (sender *FacebookSender) Name() string {
	return facebookVendorName
}

// Send forwards the event when consent was granted and the pixel is
// configured. Preview deployments and results pages are suppressed.
func (sender *FacebookSender) Send(ctx context.Context, event Event) string {
	if event.Context.Preview || !event.Context.ConsentAnalytics {
		return ""
	}
	if sender.configuration.FacebookPixelID == "" || sender.configuration.FacebookAccessToken == "" {
		return ""
	}
	if IsResultsPath(event.Context.Path) && !event.AllowOnResults {
		return ""
	}

	eventName := event.Name
	if mapped, present := facebookEventNames[eventName]; present {
		eventName = mapped
	}
	eventID := event.Context.Attribution.UUID
	payload := sender.buildRequestBody(eventName, eventID, event)

	submit(sender.pipeline, sender.logger, facebookVendorName, event.Name, func(taskCtx context.Context) {
		sender.post(taskCtx, payload)
	})
	return eventID
}

type facebookUserData struct {
	EmailHashes     []string `json:"em,omitempty"`
	ClientIPAddress string   `json:"client_ip_address,omitempty"`
	ClientUserAgent string   `json:"client_user_agent,omitempty"`
}

type facebookEventBody struct {
	EventName      string           `json:"event_name"`
	EventTime      int64            `json:"event_time"`
	EventID        string           `json:"event_id"`
	ActionSource   string           `json:"action_source"`
	EventSourceURL string           `json:"event_source_url,omitempty"`
	UserData       facebookUserData `json:"user_data"`
	CustomData     map[string]any   `json:"custom_data,omitempty"`
}

type facebookRequestBody struct {
	Data        []facebookEventBody `json:"data"`
	AccessToken string              `json:"access_token"`
}

func (sender *FacebookSender) buildRequestBody(eventName string, eventID string, event Event) facebookRequestBody {
	userData := facebookUserData{
		ClientIPAddress: event.Context.ClientIP,
		ClientUserAgent: event.Context.UserAgent,
	}
	if email := event.Property(PropertyEmail); email != "" {
		userData.EmailHashes = []string{HashIdentifier(email)}
	}

	custom := map[string]any{}
	for key, value := range event.Properties {
		if key == PropertyEmail {
			continue
		}
		custom[key] = value
	}
	if len(custom) == 0 {
		custom = nil
	}

	return facebookRequestBody{
		Data: []facebookEventBody{{
			EventName:      eventName,
			EventTime:      sender.now().Unix(),
			EventID:        eventID,
			ActionSource:   "website",
			EventSourceURL: event.Context.Path,
			UserData:       userData,
			CustomData:     custom,
		}},
		AccessToken: sender.configuration.FacebookAccessToken,
	}
}

func (sender *FacebookSender) post(ctx context.Context, payload facebookRequestBody) {
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		sender.logger.Warn(logEventFacebookSendFailed, zap.Error(marshalErr))
		return
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, sender.endpoint, bytes.NewReader(body))
	if requestErr != nil {
		sender.logger.Warn(logEventFacebookSendFailed, zap.Error(requestErr))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	response, sendErr := sender.httpClient.Do(request)
	if sendErr != nil {
		sender.logger.Warn(logEventFacebookSendFailed, zap.Error(sendErr))
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		sender.logger.Warn(logEventFacebookRejected, zap.Int("status", response.StatusCode))
	}
}

// HashIdentifier normalizes and hashes personal identifiers the way the
// conversion APIs expect: lowercase, trimmed, SHA-256 hex.
func HashIdentifier(raw string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	digest := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(digest[:])
}

// Product describes one catalog item attached to a dynamic-ads event.
type Product struct {
	ID       string
	Name     string
	Price    any
	Currency string
	Quantity int
}

// ProductContent is one catalog line inside a dynamic-ads payload. The unit
// price is omitted when the source price could not be parsed.
type ProductContent struct {
	ContentID    string   `json:"content_id"`
	ContentName  string   `json:"content_name,omitempty"`
	ContentPrice *float64 `json:"content_price,omitempty"`
	NumItems     int      `json:"num_items"`
}

// ProductPayload is the dynamic-ads custom data derived from a product.
type ProductPayload struct {
	ContentIDs  []string         `json:"content_ids"`
	ContentType string           `json:"content_type"`
	ContentName string           `json:"content_name,omitempty"`
	Contents    []ProductContent `json:"contents"`
	Value       *float64         `json:"value,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	NumItems    int              `json:"num_items"`
}

// BuildProductPayload converts a product into dynamic-ads custom data.
// Price strings tolerate currency symbols and thousands separators; a price
// that cannot be parsed is omitted rather than sent as zero. Currency falls
// back to USD whenever the price itself gives dollar hints or is numeric.
func BuildProductPayload(product Product) ProductPayload {
	quantity := product.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	payload := ProductPayload{
		ContentIDs:  []string{product.ID},
		ContentType: "product",
		ContentName: product.Name,
		NumItems:    quantity,
	}

	price, priceKnown := normalizePrice(product.Price)
	currency := strings.ToUpper(strings.TrimSpace(product.Currency))
	if currency == "" {
		if rawPrice, isString := product.Price.(string); isString {
			lowered := strings.ToLower(rawPrice)
			if strings.Contains(lowered, "usd") || strings.Contains(lowered, "$") {
				currency = facebookDefaultCurrency
			}
		} else if priceKnown {
			currency = facebookDefaultCurrency
		}
	}

	content := ProductContent{
		ContentID:   product.ID,
		ContentName: product.Name,
		NumItems:    quantity,
	}
	if priceKnown {
		unitPrice := roundMoney(price)
		content.ContentPrice = &unitPrice
		value := roundMoney(price * float64(quantity))
		payload.Value = &value
	}
	payload.Contents = []ProductContent{content}
	payload.Currency = currency
	return payload
}

// BuildServicePayload adapts a priced service offering into the same
// dynamic-ads shape used for products. A zero or negative quantity counts
// as one.
func BuildServicePayload(serviceID string, serviceName string, price any, currency string, quantity int) ProductPayload {
	return BuildProductPayload(Product{
		ID:       serviceID,
		Name:     serviceName,
		Price:    price,
		Currency: currency,
		Quantity: quantity,
	})
}

// MergePurchaseDetails overlays the final transaction amounts onto a
// remembered payload. It reports false when no base payload exists, in which
// case the purchase is sent without catalog data.
func MergePurchaseDetails(base *ProductPayload, value float64, currency string, transactionID string, sessionID string) (map[string]any, bool) {
	if base == nil {
		return nil, false
	}
	merged := map[string]any{
		"content_ids":  base.ContentIDs,
		"content_type": base.ContentType,
		"num_items":    base.NumItems,
		PropertyValue:  roundMoney(value),
	}
	if len(base.Contents) > 0 {
		merged["contents"] = base.Contents
	}
	if base.ContentName != "" {
		merged[PropertyContentName] = base.ContentName
	}
	resolvedCurrency := strings.ToUpper(strings.TrimSpace(currency))
	if resolvedCurrency == "" {
		resolvedCurrency = base.Currency
	}
	if resolvedCurrency == "" {
		resolvedCurrency = facebookDefaultCurrency
	}
	merged[PropertyCurrency] = resolvedCurrency
	if transactionID != "" {
		merged[PropertyTransactionID] = transactionID
	}
	if sessionID != "" {
		merged[PropertySessionID] = sessionID
	}
	return merged, true
}

// PayloadStore remembers the most recent dynamic-ads payload per assessment
// session so the later purchase can reuse it. Last write wins.
type PayloadStore struct {
	mutex    sync.Mutex
	payloads map[string]ProductPayload
	lastKey  string
}

// NewPayloadStore creates an empty store.
func NewPayloadStore() *PayloadStore {
	return &PayloadStore{payloads: map[string]ProductPayload{}}
}

// Remember stores the payload for a session.
func (store *PayloadStore) Remember(sessionID string, payload ProductPayload) {
	if sessionID == "" {
		return
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.payloads[sessionID] = payload
	store.lastKey = sessionID
}

// Recall returns the payload remembered for a session.
func (store *PayloadStore) Recall(sessionID string) (ProductPayload, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	payload, present := store.payloads[sessionID]
	return payload, present
}

// Latest returns the most recently remembered payload regardless of session.
func (store *PayloadStore) Latest() (ProductPayload, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.lastKey == "" {
		return ProductPayload{}, false
	}
	payload, present := store.payloads[store.lastKey]
	return payload, present
}

// Forget drops the payload for a session.
func (store *PayloadStore) Forget(sessionID string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.payloads, sessionID)
	if store.lastKey == sessionID {
		store.lastKey = ""
	}
}

func normalizePrice(raw any) (float64, bool) {
	switch value := raw.(type) {
	case nil:
		return 0, false
	case float64:
		return roundMoney(value), true
	case float32:
		return roundMoney(float64(value)), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case string:
		cleaned := strings.Map(func(character rune) rune {
			if character >= '0' && character <= '9' {
				return character
			}
			if character == '.' || character == ',' || character == '-' {
				return character
			}
			return -1
		}, value)
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		parsed, parseErr := strconv.ParseFloat(cleaned, 64)
		if parseErr != nil {
			return 0, false
		}
		return roundMoney(parsed), true
	default:
		return 0, false
	}
}

func roundMoney(value float64) float64 {
	return math.Round(value*100) / 100
}
