package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PrismResearchLab/tracking_svc/internal/audit"
	"github.com/PrismResearchLab/tracking_svc/internal/model"
	"github.com/PrismResearchLab/tracking_svc/internal/session"
	"github.com/PrismResearchLab/tracking_svc/internal/storage"
	"github.com/PrismResearchLab/tracking_svc/internal/testutil"
)

type recordingAuditor struct {
	mutex    sync.Mutex
	messages []audit.Message
}

func (auditor *recordingAuditor) Send(_ context.Context, message audit.Message) {
	auditor.mutex.Lock()
	defer auditor.mutex.Unlock()
	auditor.messages = append(auditor.messages, message)
}

func (auditor *recordingAuditor) subjects() []string {
	auditor.mutex.Lock()
	defer auditor.mutex.Unlock()
	subjects := make([]string, 0, len(auditor.messages))
	for _, message := range auditor.messages {
		subjects = append(subjects, message.Subject)
	}
	return subjects
}

func openSessionTestDatabase(testingT *testing.T) *gorm.DB {
	testingT.Helper()
	database, openErr := storage.OpenDatabase(testutil.NewSQLiteTestDatabase(testingT).Configuration())
	require.NoError(testingT, openErr)
	require.NoError(testingT, storage.AutoMigrate(database))
	return testutil.ConfigureDatabaseLogger(testingT, database)
}

type capturedLinkRequest struct {
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`
}

func TestStartProvisionsSessionAndAuditsLifecycle(testingT *testing.T) {
	database := openSessionTestDatabase(testingT)
	auditor := &recordingAuditor{}

	var captured capturedLinkRequest
	var capturedAuthorization string
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(testingT, "/functions/v1/link_session_to_account", request.URL.Path)
		require.Equal(testingT, "anon-key-1", request.Header.Get("apikey"))
		capturedAuthorization = request.Header.Get("Authorization")
		require.NoError(testingT, json.NewDecoder(request.Body).Decode(&captured))
		writer.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	service := session.NewService(database, auditor, zap.NewNop(), backend.URL, "anon-key-1")
	started, startErr := service.Start(context.Background(), session.StartInput{
		AccountID:   "account-1",
		AccessToken: "user-token",
	})

	require.NoError(testingT, startErr)
	require.NotEmpty(testingT, started.ID)
	require.Equal(testingT, model.SessionStatusStarted, started.Status)
	require.Equal(testingT, started.ID, captured.SessionID)
	require.Equal(testingT, "account-1", captured.AccountID)
	require.Equal(testingT, "Bearer user-token", capturedAuthorization)

	var persisted model.AssessmentSession
	require.NoError(testingT, database.First(&persisted, "id = ?", started.ID).Error)
	require.Equal(testingT, "account-1", persisted.AccountID)

	require.Equal(testingT, []string{
		"Assessment start requested",
		"Assessment session created",
		"Assessment started",
	}, auditor.subjects())
}

func TestStartFallsBackToAnonymousKey(testingT *testing.T) {
	database := openSessionTestDatabase(testingT)

	var capturedAuthorization string
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		capturedAuthorization = request.Header.Get("Authorization")
		writer.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	service := session.NewService(database, &recordingAuditor{}, zap.NewNop(), backend.URL, "anon-key-1")
	_, startErr := service.Start(context.Background(), session.StartInput{AccountID: "account-1"})

	require.NoError(testingT, startErr)
	require.Equal(testingT, "Bearer anon-key-1", capturedAuthorization)
}

func TestStartAuditsFailureWhenLinkRejected(testingT *testing.T) {
	database := openSessionTestDatabase(testingT)
	auditor := &recordingAuditor{}

	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusForbidden)
		_, _ = writer.Write([]byte("account mismatch"))
	}))
	defer backend.Close()

	service := session.NewService(database, auditor, zap.NewNop(), backend.URL, "anon-key-1")
	started, startErr := service.Start(context.Background(), session.StartInput{AccountID: "account-1"})

	require.Error(testingT, startErr)
	require.Contains(testingT, startErr.Error(), "link_session_to_account failed")
	require.Contains(testingT, startErr.Error(), "account mismatch")
	require.NotEmpty(testingT, started.ID)

	var persisted model.AssessmentSession
	require.NoError(testingT, database.First(&persisted, "id = ?", started.ID).Error)

	require.Equal(testingT, []string{
		"Assessment start requested",
		"Assessment session created",
		"Assessment start error",
	}, auditor.subjects())
}

func TestStartRejectsBlankAccountBeforeAnyAudit(testingT *testing.T) {
	database := openSessionTestDatabase(testingT)
	auditor := &recordingAuditor{}

	service := session.NewService(database, auditor, zap.NewNop(), "http://127.0.0.1:0", "anon-key-1")
	_, startErr := service.Start(context.Background(), session.StartInput{AccountID: "   "})

	require.ErrorIs(testingT, startErr, session.ErrMissingAccountID)
	require.Empty(testingT, auditor.subjects())
}

func TestCompletionAndErrorReportsAreAuditOnly(testingT *testing.T) {
	database := openSessionTestDatabase(testingT)
	auditor := &recordingAuditor{}
	service := session.NewService(database, auditor, zap.NewNop(), "http://127.0.0.1:0", "anon-key-1")

	service.MarkComplete(context.Background(), "account-1", "session-1")
	service.LogError(context.Background(), "account-1", "session-1", errors.New("scoring timeout"))

	require.Equal(testingT, []string{"Assessment completed", "Assessment error"}, auditor.subjects())
	auditor.mutex.Lock()
	defer auditor.mutex.Unlock()
	require.Contains(testingT, auditor.messages[1].Message, "scoring timeout")

	var sessionCount int64
	require.NoError(testingT, database.Model(&model.AssessmentSession{}).Count(&sessionCount).Error)
	require.Zero(testingT, sessionCount)
}
