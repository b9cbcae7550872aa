package handlers

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes mounts every HTTP endpoint on the router.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Users
	r.HandleFunc("/api/users", h.CreateUser).Methods("POST")
	r.HandleFunc("/api/users/{id}", h.GetUser).Methods("GET")
	r.HandleFunc("/api/users/{id}", h.UpdateUser).Methods("PUT")
	r.HandleFunc("/api/users/{id}", h.DeleteUser).Methods("DELETE")

	// Billing and entitlements
	r.HandleFunc("/api/billing/checkout/user/{userId}", h.CreateCheckout).Methods("POST")
	r.HandleFunc("/api/billing/confirm", h.ConfirmCheckout).Methods("GET")
	r.HandleFunc("/api/billing/refresh/user/{userId}", h.RefreshEntitlement).Methods("POST")
	r.HandleFunc("/api/billing/portal/user/{userId}", h.CreatePortal).Methods("POST")
	r.HandleFunc("/api/billing/entitlement/user/{userId}", h.GetEntitlement).Methods("GET")

	// Stripe event feed
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")

	// Analyses
	r.HandleFunc("/api/analyses/user/{userId}", h.CreateAnalysis).Methods("POST")
	r.HandleFunc("/api/analyses/user/{userId}", h.ListAnalyses).Methods("GET")
	r.HandleFunc("/api/analyses/{id}", h.GetAnalysis).Methods("GET")

	// Realtime events
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
}
