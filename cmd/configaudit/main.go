package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/PrismResearchLab/tracking_svc/internal/config"
)

const (
	auditStatusConfigured    = "configured"
	auditStatusNotConfigured = "not configured"
	auditStatusPartial       = "partially configured"
)

// channelAudit describes the configuration state of one outbound channel.
type channelAudit struct {
	Channel string
	Status  string
	Missing []string
}

// auditVendorChannels inspects the resolved configuration and reports which
// outbound channels are usable. A channel missing every credential is
// simply off; missing only some is a misconfiguration worth flagging.
func auditVendorChannels(configuration config.Config) []channelAudit {
	channels := map[string]map[string]string{
		"google": {
			config.EnvironmentKeyGoogleMeasurementID: configuration.Vendors.GoogleMeasurementID,
			config.EnvironmentKeyGoogleAPISecret:     configuration.Vendors.GoogleAPISecret,
		},
		"facebook": {
			config.EnvironmentKeyFacebookPixelID:     configuration.Vendors.FacebookPixelID,
			config.EnvironmentKeyFacebookAccessToken: configuration.Vendors.FacebookAccessToken,
		},
		"reddit": {
			config.EnvironmentKeyRedditAppID:       configuration.Vendors.RedditAppID,
			config.EnvironmentKeyRedditSecret:      configuration.Vendors.RedditSecret,
			config.EnvironmentKeyRedditPixelID:     configuration.Vendors.RedditPixelID,
			config.EnvironmentKeyRedditAdAccountID: configuration.Vendors.RedditAdAccountID,
		},
		"twitter": {
			config.EnvironmentKeyTwitterEndpoint: configuration.Vendors.TwitterEndpoint,
			config.EnvironmentKeyTwitterToken:    configuration.Vendors.TwitterToken,
		},
		"quora": {
			config.EnvironmentKeyQuoraEndpoint: configuration.Vendors.QuoraEndpoint,
			config.EnvironmentKeyQuoraToken:    configuration.Vendors.QuoraToken,
		},
		"linkedin": {
			config.EnvironmentKeyLinkedInToken:  configuration.Vendors.LinkedInToken,
			config.EnvironmentKeyLinkedInLeadID: configuration.Vendors.LinkedInLeadConversionID,
		},
		"plausible": {
			config.EnvironmentKeyPlausibleDomain: configuration.Vendors.PlausibleDomain,
		},
		"audit_email": {
			config.EnvironmentKeyEmailServiceID:  configuration.Email.ServiceID,
			config.EnvironmentKeyEmailTemplateID: configuration.Email.TemplateID,
			config.EnvironmentKeyEmailPublicKey:  configuration.Email.PublicKey,
		},
	}

	audits := make([]channelAudit, 0, len(channels))
	for channel, credentials := range channels {
		var missing []string
		present := 0
		for environmentKey, value := range credentials {
			if strings.TrimSpace(value) == "" {
				missing = append(missing, environmentKey)
			} else {
				present++
			}
		}
		sort.Strings(missing)
		status := auditStatusConfigured
		if present == 0 {
			status = auditStatusNotConfigured
		} else if len(missing) > 0 {
			status = auditStatusPartial
		}
		audits = append(audits, channelAudit{Channel: channel, Status: status, Missing: missing})
	}
	sort.Slice(audits, func(left, right int) bool {
		return audits[left].Channel < audits[right].Channel
	})
	return audits
}

// hasPartialChannels reports whether any channel holds some credentials but
// not all of them.
func hasPartialChannels(audits []channelAudit) bool {
	for _, entry := range audits {
		if entry.Status == auditStatusPartial {
			return true
		}
	}
	return false
}

func main() {
	loader := viper.New()
	loader.AutomaticEnv()
	configuration := config.Resolve(loader)

	fmt.Printf("environment: %s\n", configuration.EnvironmentName())
	fmt.Printf("preview: %t\n", configuration.IsPreview)
	fmt.Printf("session cleanup interval: %s\n", configuration.SessionCleanupInterval)

	audits := auditVendorChannels(configuration)
	for _, entry := range audits {
		if len(entry.Missing) == 0 {
			fmt.Printf("%-12s %s\n", entry.Channel, entry.Status)
			continue
		}
		fmt.Printf("%-12s %s (missing: %s)\n", entry.Channel, entry.Status, strings.Join(entry.Missing, ", "))
	}

	if hasPartialChannels(audits) {
		os.Exit(1)
	}
}
