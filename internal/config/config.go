package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvironmentKeyPreview marks the deployment as a preview build.
	EnvironmentKeyPreview = "DEPLOY_PREVIEW"
	// EnvironmentKeyEnvironment names the runtime environment (dev, prod).
	EnvironmentKeyEnvironment = "ENVIRONMENT"

	EnvironmentKeyApplicationAddress = "APP_ADDR"
	EnvironmentKeyDatabaseDriver     = "DB_DRIVER"
	EnvironmentKeyDatabaseDataSource = "DB_DSN"
	EnvironmentKeySessionSecret      = "SESSION_SECRET"

	EnvironmentKeyBackendBaseURL = "BACKEND_BASE_URL"
	EnvironmentKeyBackendAnonKey = "BACKEND_ANON_KEY"

	EnvironmentKeyEmailServiceID  = "EMAILJS_SERVICE_ID"
	EnvironmentKeyEmailTemplateID = "EMAILJS_TEMPLATE_ID"
	EnvironmentKeyEmailPublicKey  = "EMAILJS_PUBLIC_KEY"
	EnvironmentKeyEmailEndpoint   = "EMAILJS_ENDPOINT"

	EnvironmentKeyGoogleMeasurementID = "GA_MEASUREMENT_ID"
	EnvironmentKeyGoogleAPISecret     = "GA_API_SECRET"

	EnvironmentKeyRedditAPIBase     = "REDDIT_API_BASE"
	EnvironmentKeyRedditAppID       = "REDDIT_APP_ID"
	EnvironmentKeyRedditSecret      = "REDDIT_CLIENT_SECRET"
	EnvironmentKeyRedditPixelID     = "REDDIT_PIXEL_ID"
	EnvironmentKeyRedditAdAccountID = "REDDIT_AD_ACCOUNT_ID"

	EnvironmentKeyFacebookPixelID     = "FB_PIXEL_ID"
	EnvironmentKeyFacebookAccessToken = "FB_ACCESS_TOKEN"

	EnvironmentKeyTwitterEndpoint = "TW_CAPI_ENDPOINT"
	EnvironmentKeyTwitterToken    = "TW_CAPI_TOKEN"

	EnvironmentKeyQuoraEndpoint = "QUORA_CAPI_URL"
	EnvironmentKeyQuoraToken    = "QUORA_CAPI_TOKEN"

	EnvironmentKeyLinkedInToken          = "LI_CAPI_TOKEN"
	EnvironmentKeyLinkedInPageViewID     = "LINKEDIN_SITE_PAGE_VIEW_ID"
	EnvironmentKeyLinkedInLeadID         = "LINKEDIN_LEAD_CONVERSION_ID"
	EnvironmentKeyLinkedInSignupID       = "LINKEDIN_SIGNUP_CONVERSION_ID"
	EnvironmentKeyLinkedInPurchaseID     = "LINKEDIN_PURCHASE_CONVERSION_ID"
	EnvironmentKeyPlausibleDomain        = "PLAUSIBLE_DOMAIN"
	EnvironmentKeyPlausibleEndpoint      = "PLAUSIBLE_ENDPOINT"
	EnvironmentKeySessionCleanupInterval = "SESSION_CLEANUP_INTERVAL"

	defaultEmailEndpoint         = "https://api.emailjs.com/api/v1.0/email/send"
	defaultRedditAPIBase         = "https://ads-api.reddit.com"
	defaultPlausibleEndpoint     = "https://plausible.io"
	defaultSessionCleanupMinutes = 60

	environmentValueDevelopment = "dev"
	environmentValueProduction  = "prod"
)

var previewFlagValues = map[string]bool{
	"true":    true,
	"1":       true,
	"preview": true,
}

// VendorConfig captures outbound credentials for every tracking vendor.
type VendorConfig struct {
	GoogleMeasurementID string
	GoogleAPISecret     string

	RedditAPIBase     string
	RedditAppID       string
	RedditSecret      string
	RedditPixelID     string
	RedditAdAccountID string

	FacebookPixelID     string
	FacebookAccessToken string

	TwitterEndpoint string
	TwitterToken    string

	QuoraEndpoint string
	QuoraToken    string

	LinkedInToken            string
	LinkedInPageViewID       string
	LinkedInLeadConversionID string
	LinkedInSignupID         string
	LinkedInPurchaseID       string

	PlausibleDomain   string
	PlausibleEndpoint string
}

// EmailConfig captures the transactional email provider settings used for audits.
type EmailConfig struct {
	ServiceID  string
	TemplateID string
	PublicKey  string
	Endpoint   string
}

// Config is the fully resolved service configuration.
type Config struct {
	IsPreview     bool
	IsDevelopment bool

	ApplicationAddress     string
	DatabaseDriver         string
	DatabaseDataSourceName string
	SessionSecret          string

	BackendBaseURL string
	BackendAnonKey string

	Email   EmailConfig
	Vendors VendorConfig

	SessionCleanupInterval time.Duration
}

// Resolve normalizes every configuration value from the loader. Preview and
// development flags accept both flag-style strings and raw truthy values so
// that either configuration source can drive them.
func Resolve(loader *viper.Viper) Config {
	resolved := Config{
		IsPreview:     PreviewFromValue(loader.Get(EnvironmentKeyPreview)),
		IsDevelopment: developmentFromValue(loader.GetString(EnvironmentKeyEnvironment)),

		ApplicationAddress:     strings.TrimSpace(loader.GetString(EnvironmentKeyApplicationAddress)),
		DatabaseDriver:         strings.TrimSpace(loader.GetString(EnvironmentKeyDatabaseDriver)),
		DatabaseDataSourceName: strings.TrimSpace(loader.GetString(EnvironmentKeyDatabaseDataSource)),
		SessionSecret:          strings.TrimSpace(loader.GetString(EnvironmentKeySessionSecret)),

		BackendBaseURL: strings.TrimRight(strings.TrimSpace(loader.GetString(EnvironmentKeyBackendBaseURL)), "/"),
		BackendAnonKey: strings.TrimSpace(loader.GetString(EnvironmentKeyBackendAnonKey)),

		Email: EmailConfig{
			ServiceID:  strings.TrimSpace(loader.GetString(EnvironmentKeyEmailServiceID)),
			TemplateID: strings.TrimSpace(loader.GetString(EnvironmentKeyEmailTemplateID)),
			PublicKey:  strings.TrimSpace(loader.GetString(EnvironmentKeyEmailPublicKey)),
			Endpoint:   strings.TrimSpace(loader.GetString(EnvironmentKeyEmailEndpoint)),
		},

		Vendors: VendorConfig{
			GoogleMeasurementID: strings.TrimSpace(loader.GetString(EnvironmentKeyGoogleMeasurementID)),
			GoogleAPISecret:     strings.TrimSpace(loader.GetString(EnvironmentKeyGoogleAPISecret)),

			RedditAPIBase:     strings.TrimSpace(loader.GetString(EnvironmentKeyRedditAPIBase)),
			RedditAppID:       strings.TrimSpace(loader.GetString(EnvironmentKeyRedditAppID)),
			RedditSecret:      strings.TrimSpace(loader.GetString(EnvironmentKeyRedditSecret)),
			RedditPixelID:     strings.TrimSpace(loader.GetString(EnvironmentKeyRedditPixelID)),
			RedditAdAccountID: strings.TrimSpace(loader.GetString(EnvironmentKeyRedditAdAccountID)),

			FacebookPixelID:     strings.TrimSpace(loader.GetString(EnvironmentKeyFacebookPixelID)),
			FacebookAccessToken: strings.TrimSpace(loader.GetString(EnvironmentKeyFacebookAccessToken)),

			TwitterEndpoint: strings.TrimSpace(loader.GetString(EnvironmentKeyTwitterEndpoint)),
			TwitterToken:    strings.TrimSpace(loader.GetString(EnvironmentKeyTwitterToken)),

			QuoraEndpoint: strings.TrimSpace(loader.GetString(EnvironmentKeyQuoraEndpoint)),
			QuoraToken:    strings.TrimSpace(loader.GetString(EnvironmentKeyQuoraToken)),

			LinkedInToken:            strings.TrimSpace(loader.GetString(EnvironmentKeyLinkedInToken)),
			LinkedInPageViewID:       strings.TrimSpace(loader.GetString(EnvironmentKeyLinkedInPageViewID)),
			LinkedInLeadConversionID: strings.TrimSpace(loader.GetString(EnvironmentKeyLinkedInLeadID)),
			LinkedInSignupID:         strings.TrimSpace(loader.GetString(EnvironmentKeyLinkedInSignupID)),
			LinkedInPurchaseID:       strings.TrimSpace(loader.GetString(EnvironmentKeyLinkedInPurchaseID)),

			PlausibleDomain:   strings.TrimSpace(loader.GetString(EnvironmentKeyPlausibleDomain)),
			PlausibleEndpoint: strings.TrimSpace(loader.GetString(EnvironmentKeyPlausibleEndpoint)),
		},

		SessionCleanupInterval: loader.GetDuration(EnvironmentKeySessionCleanupInterval),
	}

	if resolved.Email.Endpoint == "" {
		resolved.Email.Endpoint = defaultEmailEndpoint
	}
	if resolved.Vendors.RedditAPIBase == "" {
		resolved.Vendors.RedditAPIBase = defaultRedditAPIBase
	}
	if resolved.Vendors.PlausibleEndpoint == "" {
		resolved.Vendors.PlausibleEndpoint = defaultPlausibleEndpoint
	}
	if resolved.SessionCleanupInterval <= 0 {
		resolved.SessionCleanupInterval = defaultSessionCleanupMinutes * time.Minute
	}

	return resolved
}

// PreviewFromValue interprets the preview deployment flag. String values
// compare against the accepted flag spellings; any other non-nil value is
// treated as a plain truthiness check.
func PreviewFromValue(raw any) bool {
	switch value := raw.(type) {
	case nil:
		return false
	case string:
		return previewFlagValues[strings.ToLower(strings.TrimSpace(value))]
	case bool:
		return value
	case int:
		return value != 0
	case int64:
		return value != 0
	case float64:
		return value != 0
	default:
		return true
	}
}

func developmentFromValue(raw string) bool {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return false
	}
	return !strings.HasPrefix(normalized, environmentValueProduction)
}

// EnvironmentName reports the short environment label used in diagnostics.
func (configuration Config) EnvironmentName() string {
	if configuration.IsDevelopment {
		return environmentValueDevelopment
	}
	return environmentValueProduction
}
