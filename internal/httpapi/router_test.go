package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
	"github.com/PrismResearchLab/tracking_svc/internal/httpapi"
	"github.com/PrismResearchLab/tracking_svc/internal/session"
	"github.com/PrismResearchLab/tracking_svc/internal/storage"
	"github.com/PrismResearchLab/tracking_svc/internal/testutil"
	"github.com/PrismResearchLab/tracking_svc/internal/tracking"
)

func TestMain(testingMain *testing.M) {
	gin.SetMode(gin.TestMode)
	testingMain.Run()
}

type recordingVendor struct {
	mutex  sync.Mutex
	events []tracking.Event
}

func (vendor *recordingVendor) Name() string {
	return "recording"
}

func (vendor *recordingVendor) Send(_ context.Context, event tracking.Event) string {
	vendor.mutex.Lock()
	defer vendor.mutex.Unlock()
	vendor.events = append(vendor.events, event)
	return "recorded"
}

func (vendor *recordingVendor) recorded() []tracking.Event {
	vendor.mutex.Lock()
	defer vendor.mutex.Unlock()
	return append([]tracking.Event(nil), vendor.events...)
}

type testService struct {
	router  *gin.Engine
	vendor  *recordingVendor
	cookies []*http.Cookie
}

func newTestService(testingT *testing.T, backendBaseURL string) *testService {
	testingT.Helper()

	database, openErr := storage.OpenDatabase(testutil.NewSQLiteTestDatabase(testingT).Configuration())
	require.NoError(testingT, openErr)
	require.NoError(testingT, storage.AutoMigrate(database))

	logger := zap.NewNop()
	vendor := &recordingVendor{}
	dispatcher := tracking.NewDispatcher(logger, vendor)
	visitorState := httpapi.NewVisitorState("test-session-secret", false)
	sessionService := session.NewService(database, nil, logger, backendBaseURL, "anon-key-1")

	router := httpapi.NewRouter(httpapi.RouterDependencies{
		Logger:             logger,
		VisitorState:       visitorState,
		TrackingHandlers:   httpapi.NewTrackingHandlers(visitorState, 0, tracking.NewCTATracker(dispatcher), dispatcher, logger),
		AssessmentHandlers: httpapi.NewAssessmentHandlers(sessionService, visitorState, dispatcher, logger),
		LinkedInProxy:      httpapi.NewLinkedInProxy(config.VendorConfig{}, logger),
		RedditProxy:        httpapi.NewRedditProxy(config.VendorConfig{}, logger),
	})
	return &testService{router: router, vendor: vendor}
}

// do issues a request carrying the cookies accumulated by earlier calls.
func (service *testService) do(testingT *testing.T, method string, path string, payload any) *httptest.ResponseRecorder {
	testingT.Helper()
	var body *bytes.Reader
	if payload == nil {
		body = bytes.NewReader(nil)
	} else {
		encoded, marshalErr := json.Marshal(payload)
		require.NoError(testingT, marshalErr)
		body = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	for _, cookie := range service.cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	service.router.ServeHTTP(recorder, request)
	if issued := recorder.Result().Cookies(); len(issued) > 0 {
		// The session cookie can be re-issued more than once per response;
		// the browser keeps the last value per name.
		byName := map[string]*http.Cookie{}
		order := []string{}
		for _, cookie := range append(append([]*http.Cookie{}, service.cookies...), issued...) {
			if _, seen := byName[cookie.Name]; !seen {
				order = append(order, cookie.Name)
			}
			byName[cookie.Name] = cookie
		}
		service.cookies = service.cookies[:0]
		for _, name := range order {
			service.cookies = append(service.cookies, byName[name])
		}
	}
	return recorder
}

// doAsNewVisitor issues a request without any accumulated cookies, which
// makes the server treat it as a brand new visitor.
func (service *testService) doAsNewVisitor(testingT *testing.T, method string, path string, payload any) *httptest.ResponseRecorder {
	testingT.Helper()
	encoded, marshalErr := json.Marshal(payload)
	require.NoError(testingT, marshalErr)
	request := httptest.NewRequest(method, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	service.router.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpoint(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")
	recorder := service.do(testingT, http.MethodGet, "/healthz", nil)
	require.Equal(testingT, http.StatusOK, recorder.Code)
}

func TestConsentRoundTrip(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	recorder := service.do(testingT, http.MethodGet, "/api/consent", nil)
	require.Equal(testingT, http.StatusOK, recorder.Code)
	require.JSONEq(testingT, `{"analytics": false}`, recorder.Body.String())

	recorder = service.do(testingT, http.MethodPost, "/api/consent", map[string]any{"analytics": true})
	require.Equal(testingT, http.StatusOK, recorder.Code)

	recorder = service.do(testingT, http.MethodGet, "/api/consent", nil)
	require.Equal(testingT, http.StatusOK, recorder.Code)
	require.JSONEq(testingT, `{"analytics": true}`, recorder.Body.String())
}

func TestIdentityFlowsIntoTrackingContext(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	recorder := service.do(testingT, http.MethodPost, "/api/consent", map[string]any{"analytics": true})
	require.Equal(testingT, http.StatusOK, recorder.Code)
	recorder = service.do(testingT, http.MethodPost, "/api/identity", map[string]any{
		"email":    "User@Example.com",
		"click_id": "click-77",
	})
	require.Equal(testingT, http.StatusOK, recorder.Code)

	recorder = service.do(testingT, http.MethodPost, "/api/track/navigation", map[string]any{"path": "/welcome"})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	events := service.vendor.recorded()
	require.Len(testingT, events, 2)
	require.Equal(testingT, tracking.EventPageView, events[0].Name)
	require.True(testingT, events[0].Context.ConsentAnalytics)
	require.Equal(testingT, "user@example.com", events[0].Context.KnownUserEmail)
	require.Equal(testingT, "click-77", events[0].Context.Attribution.ClickID)
	require.Equal(testingT, tracking.EventSignUp, events[1].Name)
}

func TestNavigationCapturesRedditClickIDFromLandingQuery(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	recorder := service.do(testingT, http.MethodPost, "/api/track/navigation", map[string]any{
		"path": "/landing?rdt_cid=reddit-click-9",
	})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	recorder = service.do(testingT, http.MethodPost, "/api/track/navigation", map[string]any{"path": "/pricing"})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	events := service.vendor.recorded()
	require.Len(testingT, events, 2)
	require.Equal(testingT, "/landing", events[0].Context.Path)
	require.Equal(testingT, "reddit-click-9", events[0].Context.Attribution.ClickID)
	require.Equal(testingT, "reddit-click-9", events[1].Context.Attribution.ClickID)
}

func TestNavigationTracksEachVisitorIndependently(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	recorder := service.doAsNewVisitor(testingT, http.MethodPost, "/api/track/navigation", map[string]any{"path": "/assessment"})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)
	recorder = service.doAsNewVisitor(testingT, http.MethodPost, "/api/track/navigation", map[string]any{"path": "/assessment"})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	events := service.vendor.recorded()
	require.Len(testingT, events, 4)
	require.Equal(testingT, tracking.EventPageView, events[0].Name)
	require.Equal(testingT, tracking.EventLead, events[1].Name)
	require.Equal(testingT, tracking.EventPageView, events[2].Name)
	require.Equal(testingT, tracking.EventLead, events[3].Name)
}

func TestNavigationDedupesRepeatedPathForSameVisitor(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	recorder := service.do(testingT, http.MethodPost, "/api/track/navigation", map[string]any{"path": "/pricing"})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)
	recorder = service.do(testingT, http.MethodPost, "/api/track/navigation", map[string]any{"path": "/pricing"})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	events := service.vendor.recorded()
	require.Len(testingT, events, 1)
	require.Equal(testingT, tracking.EventPageView, events[0].Name)
}

func TestNavigationRequiresPath(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")
	recorder := service.do(testingT, http.MethodPost, "/api/track/navigation", map[string]any{"path": "  "})
	require.Equal(testingT, http.StatusBadRequest, recorder.Code)
	require.Contains(testingT, recorder.Body.String(), "missing_path")
}

func TestCTAEndpointDispatchesClassifiedClick(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	recorder := service.do(testingT, http.MethodPost, "/api/track/cta", map[string]any{
		"element":  map[string]any{"cta": "start-assessment", "cta_id": "hero-start"},
		"path":     "/pricing",
		"page_url": "https://prism.example/pricing?utm_medium=cpc",
	})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	events := service.vendor.recorded()
	require.Len(testingT, events, 1)
	require.Equal(testingT, tracking.EventCTAClick, events[0].Name)
	require.Equal(testingT, "hero-start", events[0].Properties["cta_id"])
	require.Equal(testingT, tracking.CTAKindStartAssessment, events[0].Properties["cta_kind"])
	require.Equal(testingT, tracking.SourceTypePaid, events[0].Properties["source_type"])
}

func TestContentViewThenPurchaseMergesRememberedPayload(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	recorder := service.do(testingT, http.MethodPost, "/api/track/content", map[string]any{
		"session_id": "session-1",
		"path":       "/pricing",
		"product": map[string]any{
			"id":       "sku-1",
			"name":     "Full Report",
			"price":    "$10.00",
			"quantity": 1,
		},
	})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	recorder = service.do(testingT, http.MethodPost, "/api/track/purchase", map[string]any{
		"session_id":     "session-1",
		"path":           "/checkout/complete",
		"value":          10,
		"currency":       "usd",
		"transaction_id": "txn-1",
	})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	events := service.vendor.recorded()
	require.Len(testingT, events, 2)

	viewEvent := events[0]
	require.Equal(testingT, tracking.EventViewContent, viewEvent.Name)
	require.Equal(testingT, []string{"sku-1"}, viewEvent.Properties["content_ids"])
	require.InDelta(testingT, 10.0, viewEvent.Properties["value"].(float64), 0.001)

	purchaseEvent := events[1]
	require.Equal(testingT, tracking.EventPurchase, purchaseEvent.Name)
	require.Equal(testingT, []string{"sku-1"}, purchaseEvent.Properties["content_ids"])
	contents := purchaseEvent.Properties["contents"].([]tracking.ProductContent)
	require.Len(testingT, contents, 1)
	require.Equal(testingT, "sku-1", contents[0].ContentID)
	require.InDelta(testingT, 10.0, purchaseEvent.Properties["value"].(float64), 0.001)
	require.Equal(testingT, "USD", purchaseEvent.Properties["currency"])
	require.Equal(testingT, "txn-1", purchaseEvent.Properties["transaction_id"])
	require.Equal(testingT, "session-1", purchaseEvent.Properties["session_id"])
}

func TestPurchaseWithoutRememberedPayloadStillDispatches(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	recorder := service.do(testingT, http.MethodPost, "/api/track/purchase", map[string]any{
		"value":          19.99,
		"currency":       "USD",
		"transaction_id": "txn-2",
	})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	events := service.vendor.recorded()
	require.Len(testingT, events, 1)
	require.Equal(testingT, tracking.EventPurchase, events[0].Name)
	require.NotContains(testingT, events[0].Properties, "content_ids")
	require.InDelta(testingT, 19.99, events[0].Properties["value"].(float64), 0.001)
	require.Equal(testingT, "txn-2", events[0].Properties["transaction_id"])
}

func TestContentViewRequiresProductID(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")
	recorder := service.do(testingT, http.MethodPost, "/api/track/content", map[string]any{
		"session_id": "session-1",
		"product":    map[string]any{"name": "Full Report"},
	})
	require.Equal(testingT, http.StatusBadRequest, recorder.Code)
	require.Contains(testingT, recorder.Body.String(), "missing_product_id")
}

func TestScrollEndpointsReportMilestonesOnce(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")

	for _, percent := range []int{10, 30, 60} {
		recorder := service.do(testingT, http.MethodPost, "/api/track/scroll", map[string]any{
			"visitor_id": "visitor-1",
			"path":       "/pricing",
			"percent":    percent,
		})
		require.Equal(testingT, http.StatusAccepted, recorder.Code)
	}
	recorder := service.do(testingT, http.MethodPost, "/api/track/scroll/final", map[string]any{
		"visitor_id": "visitor-1",
		"path":       "/pricing",
		"percent":    80,
	})
	require.Equal(testingT, http.StatusAccepted, recorder.Code)

	var percents []string
	for _, event := range service.vendor.recorded() {
		require.Equal(testingT, "Scroll Depth", event.Name)
		percents = append(percents, event.Properties["scroll_percent"].(string))
	}
	require.Equal(testingT, []string{"25", "50", "75"}, percents)
}

func TestScrollEndpointRequiresVisitorID(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")
	recorder := service.do(testingT, http.MethodPost, "/api/track/scroll", map[string]any{
		"path":    "/pricing",
		"percent": 50,
	})
	require.Equal(testingT, http.StatusBadRequest, recorder.Code)
	require.Contains(testingT, recorder.Body.String(), "missing_visitor_id")
}

func TestStartAssessmentEndpointProvisionsSession(testingT *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(testingT, "/functions/v1/link_session_to_account", request.URL.Path)
		writer.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	service := newTestService(testingT, backend.URL)

	recorder := service.do(testingT, http.MethodPost, "/api/assessment/start", map[string]any{
		"account_id": "account-1",
	})
	require.Equal(testingT, http.StatusCreated, recorder.Code)

	var response map[string]any
	require.NoError(testingT, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.NotEmpty(testingT, response["session_id"])
	require.Equal(testingT, "started", response["status"])

	events := service.vendor.recorded()
	require.Len(testingT, events, 1)
	require.Equal(testingT, tracking.EventLead, events[0].Name)
	require.Equal(testingT, response["session_id"], events[0].Properties[tracking.PropertySessionID])
}

func TestStartAssessmentEndpointRejectsMissingAccount(testingT *testing.T) {
	service := newTestService(testingT, "http://127.0.0.1:0")
	recorder := service.do(testingT, http.MethodPost, "/api/assessment/start", map[string]any{})
	require.Equal(testingT, http.StatusBadRequest, recorder.Code)
	require.Contains(testingT, recorder.Body.String(), "missing_account_id")
}
