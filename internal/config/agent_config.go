package config

import "strings"

// AgentConfig carries everything the gateway needs to reach the agent's
// upstream services: Direct Line token issuance, the identity tenant used
// for the on-behalf-of exchange, and the speech token service.
type AgentConfig interface {
	GetDirectLineBase() string
	GetDirectLineSecret() string
	GetTenantID() string
	GetClientID() string
	GetClientSecret() string
	GetOboScopes() []string
	GetEnvironmentScope() string
	GetIssuerURL() string
	GetAudience() string
	GetSpeechKey() string
	GetSpeechRegion() string
}

type Agent struct{}

var _ AgentConfig = Agent{}

func (Agent) GetDirectLineBase() string {
	return GetEnv("DIRECT_LINE_BASE", "https://directline.botframework.com/v3/directline")
}

func (Agent) GetDirectLineSecret() string {
	return GetEnv("DIRECT_LINE_SECRET", "")
}

func (Agent) GetTenantID() string {
	return GetEnv("TENANT_ID", "")
}

func (Agent) GetClientID() string {
	return GetEnv("CLIENT_ID", "")
}

func (Agent) GetClientSecret() string {
	return GetEnv("CLIENT_SECRET", "")
}

// GetOboScopes are the scopes requested in the on-behalf-of exchange that
// pre-acquires the agent's secondary token.
func (Agent) GetOboScopes() []string {
	scopes := GetEnv("OBO_SCOPES", "https://graph.microsoft.com/.default")
	return strings.Fields(scopes)
}

// GetEnvironmentScope is the client-credentials scope for the agent
// environment API, used when no Direct Line secret is configured.
func (Agent) GetEnvironmentScope() string {
	return GetEnv("ENVIRONMENT_SCOPE", "https://api.powerplatform.com/.default")
}

// GetIssuerURL is empty when no tenant is configured, which forces the
// gateway into degraded mode.
func (a Agent) GetIssuerURL() string {
	issuer := GetEnv("ISSUER_URL", "")
	if issuer == "" && a.GetTenantID() != "" {
		issuer = "https://login.microsoftonline.com/" + a.GetTenantID() + "/v2.0"
	}
	return issuer
}

func (a Agent) GetAudience() string {
	return GetEnv("AUDIENCE", a.GetClientID())
}

func (Agent) GetSpeechKey() string {
	return GetEnv("SPEECH_KEY", "")
}

func (Agent) GetSpeechRegion() string {
	return GetEnv("SPEECH_REGION", "westeurope")
}
