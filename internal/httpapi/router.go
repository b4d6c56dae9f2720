package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterDependencies bundles everything the HTTP surface needs.
type RouterDependencies struct {
	Logger             *zap.Logger
	VisitorState       *VisitorState
	TrackingHandlers   *TrackingHandlers
	AssessmentHandlers *AssessmentHandlers
	LinkedInProxy      *LinkedInProxy
	RedditProxy        *RedditProxy
}

// NewRouter assembles the service routes.
func NewRouter(dependencies RouterDependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(dependencies.Logger))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "apikey", headerConsentAnalytics},
		AllowCredentials: false,
	}))

	router.GET("/healthz", func(requestContext *gin.Context) {
		requestContext.JSON(http.StatusOK, gin.H{"ok": true})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/consent", dependencies.VisitorState.SetConsent)
		apiGroup.GET("/consent", dependencies.VisitorState.GetConsent)
		apiGroup.POST("/identity", dependencies.VisitorState.SetIdentity)

		trackGroup := apiGroup.Group("/track")
		{
			trackGroup.POST("/navigation", dependencies.TrackingHandlers.CollectNavigation)
			trackGroup.POST("/cta", dependencies.TrackingHandlers.CollectCTA)
			trackGroup.POST("/content", dependencies.TrackingHandlers.CollectContentView)
			trackGroup.POST("/purchase", dependencies.TrackingHandlers.CollectPurchase)
			trackGroup.POST("/scroll", dependencies.TrackingHandlers.CollectScroll)
			trackGroup.POST("/scroll/final", dependencies.TrackingHandlers.CollectScrollFinal)
		}

		assessmentGroup := apiGroup.Group("/assessment")
		{
			assessmentGroup.POST("/start", dependencies.AssessmentHandlers.StartAssessment)
			assessmentGroup.POST("/complete", dependencies.AssessmentHandlers.CompleteAssessment)
			assessmentGroup.POST("/error", dependencies.AssessmentHandlers.ReportAssessmentError)
		}
	}

	functionsGroup := router.Group("/functions/v1")
	{
		functionsGroup.GET("/linkedin-capi", dependencies.LinkedInProxy.Status)
		functionsGroup.POST("/linkedin-capi", dependencies.LinkedInProxy.Convert)
		functionsGroup.POST("/reddit-conversions", dependencies.RedditProxy.Convert)
	}

	return router
}
