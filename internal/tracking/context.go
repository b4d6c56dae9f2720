package tracking

import (
	"regexp"

	"github.com/google/uuid"
)

// Attribution carries per-call attribution details forwarded to the
// conversion APIs. A fresh UUID is generated for every tracking call.
type Attribution struct {
	UUID         string `json:"uuid"`
	ClickID      string `json:"click_id,omitempty"`
	ScreenWidth  int    `json:"screen_width,omitempty"`
	ScreenHeight int    `json:"screen_height,omitempty"`
}

// NewAttribution builds an attribution context for one tracking call.
func NewAttribution(clickID string, screenWidth int, screenHeight int) Attribution {
	return Attribution{
		UUID:         uuid.NewString(),
		ClickID:      clickID,
		ScreenWidth:  screenWidth,
		ScreenHeight: screenHeight,
	}
}

// Context is the tracking state resolved once per dispatch. It replaces the
// ambient page-injected globals: consent, known-user identity, and the
// preview flag travel with every event instead of being looked up by each
// vendor independently.
type Context struct {
	Preview          bool
	ConsentAnalytics bool
	KnownUserEmail   string
	Path             string
	ClientIP         string
	UserAgent        string
	Attribution      Attribution
}

// Viewing one's own results must not double-count as a generic conversion;
// the corresponding Lead fires earlier at assessment start.
var resultsRoutePattern = regexp.MustCompile(`(?i)/results(/|$)`)

// IsResultsPath reports whether the path belongs to the results pages.
func IsResultsPath(path string) bool {
	return resultsRoutePattern.MatchString(path)
}
