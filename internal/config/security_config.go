package config

import (
	"strconv"
	"time"
)

type SecurityConfig interface {
	GetEnableRateLimiting() bool
	GetRateLimitWindow() time.Duration
	GetRateLimitMax() int
	GetAllowDegradedAuth() bool
}

type Security struct{}

var _ SecurityConfig = Security{}

func (Security) GetEnableRateLimiting() bool {
	return GetEnv("RATE_LIMITING", "true") == "true"
}

func (Security) GetRateLimitWindow() time.Duration {
	return time.Minute
}

func (Security) GetRateLimitMax() int {
	max, err := strconv.Atoi(GetEnv("RATE_LIMIT_MAX", "60"))
	if err != nil || max <= 0 {
		return 60
	}
	return max
}

// GetAllowDegradedAuth permits token issuance from an unauthenticated
// {userId} body when identity verification is not configured. Meant for
// local development against an agent without an app registration.
func (Security) GetAllowDegradedAuth() bool {
	return GetEnv("ALLOW_DEGRADED_AUTH", "false") == "true"
}
