package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server/tokencache"
)

// DirectLineTokenHandler issues a user-scoped transport token bound to a
// fresh conversation. Authenticated callers are identified by their
// verified claims; without a bearer the handler falls back to the request
// body's user id, but only when degraded auth is explicitly enabled.
func (s *Server) DirectLineTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"userId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		claims := claimsFromContext(r.Context())
		userID := body.UserID
		if claims != nil {
			// Verified identity always wins over the body.
			userID = claims.Subject
		} else if !s.config.GetAllowDegradedAuth() {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if userID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}

		token, err := s.agent.GenerateToken(r.Context(), userID)
		if err != nil {
			if errs.Is(err, errs.ErrAuthRequired) {
				// Upstream rejected the channel credential; pass that
				// through rather than masking it as a gateway fault.
				writeError(w, http.StatusForbidden, "token issuance rejected by upstream")
				return
			}
			s.log.Error().Err(err).Msg("transport token issuance failed")
			writeError(w, http.StatusBadGateway, "token issuance failed")
			return
		}

		// Pre-acquire the agent's secondary token so a later sign-in card
		// for this conversation can be resolved without prompting.
		if claims != nil && s.secondaryTokens != nil {
			go s.cacheSecondaryToken(token.ConversationID, claims.RawToken)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"token":          token.Token,
			"conversationId": token.ConversationID,
			"expiresIn":      token.ExpiresIn,
		})
	}
}

// DirectLineRefreshHandler exchanges a live transport token for a fresh one.
func (s *Server) DirectLineRefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Token == "" {
			writeError(w, http.StatusBadRequest, "token is required")
			return
		}

		token, err := s.agent.RefreshToken(r.Context(), body.Token)
		if err != nil {
			if errs.Is(err, errs.ErrAuthRequired) {
				writeError(w, http.StatusUnauthorized, "token rejected by upstream")
				return
			}
			s.log.Error().Err(err).Msg("transport token refresh failed")
			writeError(w, http.StatusBadGateway, "token refresh failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"token":     token.Token,
			"expiresIn": token.ExpiresIn,
		})
	}
}

// SSOTokenHandler hands out the pre-cached secondary token for a
// conversation. A miss means the exchange never ran or the token expired;
// the client then falls back to showing the sign-in card.
func (s *Server) SSOTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := r.PathValue("conversationId")
		if conversationID == "" {
			writeError(w, http.StatusBadRequest, "conversationId is required")
			return
		}

		entry, err := s.secondaryTokens.Get(conversationID)
		if err != nil {
			writeError(w, http.StatusNotFound, "no token for conversation")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": entry.Token})
	}
}

// SpeechTokenHandler issues a short-lived speech-service token.
func (s *Server) SpeechTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := s.agent.SpeechToken(r.Context())
		if err != nil {
			if errs.Is(err, errs.ErrUnsupported) {
				writeError(w, http.StatusNotImplemented, "speech service not configured")
				return
			}
			s.log.Error().Err(err).Msg("speech token issuance failed")
			writeError(w, http.StatusBadGateway, "speech token issuance failed")
			return
		}
		writeJSON(w, http.StatusOK, token)
	}
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) cacheSecondaryToken(conversationID, userAssertion string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	secondary, err := s.agent.ExchangeSecondaryToken(ctx, userAssertion)
	if err != nil {
		// Not fatal: the user just sees the sign-in card instead.
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("secondary token pre-acquisition failed")
		return
	}
	s.secondaryTokens.Put(conversationID, tokencache.Entry{
		Token:     secondary.Token,
		ExpiresAt: secondary.ExpiresAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
