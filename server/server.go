// Package server is the backend gateway between the chat client and the
// agent's upstream services. It never exposes channel secrets to callers:
// clients trade their identity token for user-scoped transport tokens here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/config"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server/agentapi"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server/tokencache"
)

// AgentAPI is the upstream surface the handlers depend on; satisfied by
// *agentapi.Client.
type AgentAPI interface {
	GenerateToken(ctx context.Context, userID string) (*agentapi.DirectLineToken, error)
	RefreshToken(ctx context.Context, token string) (*agentapi.DirectLineToken, error)
	ExchangeSecondaryToken(ctx context.Context, userAssertion string) (*agentapi.SecondaryToken, error)
	SpeechToken(ctx context.Context) (*agentapi.SpeechToken, error)
}

type Server struct {
	env             string
	mux             *http.ServeMux
	routes          []string
	config          config.Config
	agent           AgentAPI
	verifier        TokenVerifier
	secondaryTokens tokencache.Repo
	limiter         *RateLimiter
	log             zerolog.Logger
}

// New wires the gateway. verifier may be nil only when degraded auth is
// enabled in config; in that mode token issuance trusts the request body.
func New(cfg config.Config, agent AgentAPI, verifier TokenVerifier, secondaryTokens tokencache.Repo) (*Server, error) {
	if verifier == nil && !cfg.GetAllowDegradedAuth() {
		return nil, fmt.Errorf("[Server New] no token verifier configured and degraded auth is disabled")
	}

	s := &Server{
		mux:             http.NewServeMux(),
		config:          cfg,
		agent:           agent,
		verifier:        verifier,
		secondaryTokens: secondaryTokens,
		limiter:         NewRateLimiter(cfg.GetRateLimitWindow(), cfg.GetRateLimitMax()),
		log:             log.With().Str("component", "server").Logger(),
	}
	s.env = cfg.GetEnv()

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	log.Printf("[%-19s] %s", displayMethod, path)
}
