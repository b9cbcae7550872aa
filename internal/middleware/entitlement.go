package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/clauselens/backend/internal/entitlement"
)

type ctxKey string

// CtxDecision is the context key under which the gate decision is stored for
// downstream handlers.
const CtxDecision ctxKey = "entitlement_decision"

// EntitlementEnforcer gates analysis-creating routes on the account's
// subscription state. Everything else passes through untouched.
type EntitlementEnforcer struct {
	Gate *entitlement.Gate
}

func NewEntitlementEnforcer(gate *entitlement.Gate) *EntitlementEnforcer {
	return &EntitlementEnforcer{Gate: gate}
}

// Middleware returns an HTTP middleware enforcing the entitlement gate.
func (e *EntitlementEnforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.shouldEnforce(r) {
			next.ServeHTTP(w, r)
			return
		}

		userID := extractUserID(r)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := e.Gate.Check(r.Context(), userID)
		if err != nil {
			log.Printf("[Entitlement][Middleware] check error userId=%s: %v", userID, err)
			http.Error(w, "entitlement check failed", http.StatusInternalServerError)
			return
		}

		if !decision.Allowed {
			respondDenied(w, decision)
			return
		}

		ctx := context.WithValue(r.Context(), CtxDecision, decision)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// shouldEnforce limits the gate to routes that consume the analysis quota.
// Reads, billing, user management and the event stream are never gated.
func (e *EntitlementEnforcer) shouldEnforce(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/analyses")
}

// extractUserID pulls the user id out of /..../user/{userId} style paths.
func extractUserID(r *http.Request) string {
	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if part == "user" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func respondDenied(w http.ResponseWriter, d entitlement.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      d.Reason,
		"message":    deniedMessage(d.Reason),
		"plan":       d.Plan,
		"upgradeUrl": "/account/billing",
	})
}

func deniedMessage(reason string) string {
	switch reason {
	case entitlement.ReasonFreeLimitReached:
		return "The free tier includes one analysis. Upgrade to run more."
	case entitlement.ReasonSubInactive:
		return "Your subscription is not active."
	default:
		return "Access denied by your current plan."
	}
}
