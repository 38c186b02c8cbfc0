package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Token Routes
	RouteDirectLineToken   = "/api/directline/token"
	RouteDirectLineRefresh = "/api/directline/refresh"
	RouteDirectLineSSO     = "/api/directline/sso/{conversationId}"

	// Speech Routes
	RouteSpeechToken = "/api/speech/token"

	// Health Routes
	RouteHealth = "/healthz"
)
