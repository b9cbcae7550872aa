package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/clauselens/backend/internal/billing"
	"github.com/clauselens/backend/internal/models"
)

// CreateCheckout starts a checkout session for a tier upgrade.
// POST /api/billing/checkout/user/{userId}  body: {"plan": "standard"|"pro"}
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req struct {
		Plan string `json:"plan"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	plan, ok := billing.ParsePlan(req.Plan)
	if !ok || !plan.Paid() {
		writeError(w, http.StatusBadRequest, "plan must be a paid tier")
		return
	}

	user, err := h.loadUser(userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	resp, err := h.billing.CreateCheckout(r.Context(), user, plan)
	if err != nil {
		log.Printf("[Billing][Checkout] error userId=%s: %v", userID, err)
		writeError(w, billingStatus(err), "Failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ConfirmCheckout is called by the browser after the checkout redirect. It
// re-fetches provider state and reconciles, so it is safe to call repeatedly.
// GET /api/billing/confirm?session_id=cs_...
func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	ent, err := h.billing.ConfirmCheckout(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, billing.ErrMissingAccountBinding) {
			writeError(w, http.StatusUnprocessableEntity, "Checkout session is not linked to an account")
			return
		}
		log.Printf("[Billing][Confirm] error session=%s: %v", sessionID, err)
		writeError(w, billingStatus(err), "Failed to confirm checkout")
		return
	}

	h.emitEntitlementUpdated(ent)
	writeJSON(w, http.StatusOK, ent)
}

// RefreshEntitlement reconciles after a billing-portal visit.
// POST /api/billing/refresh/user/{userId}
func (h *Handler) RefreshEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	ent, err := h.billing.RefreshEntitlement(r.Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrNoBillingAccount) {
			writeError(w, http.StatusNotFound, "No subscription on file")
			return
		}
		log.Printf("[Billing][Refresh] error userId=%s: %v", userID, err)
		writeError(w, billingStatus(err), "Failed to refresh entitlement")
		return
	}

	h.emitEntitlementUpdated(ent)
	writeJSON(w, http.StatusOK, ent)
}

// CreatePortal opens a Stripe billing portal session.
// POST /api/billing/portal/user/{userId}
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	user, err := h.loadUser(userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	resp, err := h.billing.CreatePortal(r.Context(), user)
	if err != nil {
		if errors.Is(err, billing.ErrNoBillingAccount) {
			writeError(w, http.StatusNotFound, "No billing profile on file")
			return
		}
		log.Printf("[Billing][Portal] error userId=%s: %v", userID, err)
		writeError(w, billingStatus(err), "Failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetEntitlement returns the stored entitlement record. A missing record is
// reported as the free tier rather than a 404; absence is a normal state.
// GET /api/billing/entitlement/user/{userId}
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	ent, err := h.billing.GetEntitlement(r.Context(), userID)
	if err != nil {
		log.Printf("[Billing][Entitlement] error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to load entitlement")
		return
	}
	if ent == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":   userID,
			"plan":     billing.PlanFree,
			"isActive": false,
		})
		return
	}

	writeJSON(w, http.StatusOK, ent)
}

// StripeWebhook receives the event feed. The body is capped, the signature is
// verified before anything else happens, and processing failures return 5xx so
// Stripe redelivers. Events the service chooses to drop still get a 200; a
// retry cannot make them attributable.
// POST /webhook/stripe
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	ent, err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrBadSignature) {
			writeError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
		log.Printf("[Billing][Webhook] processing error: %v", err)
		writeError(w, http.StatusInternalServerError, "Event processing failed")
		return
	}

	h.emitEntitlementUpdated(ent)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// billingStatus maps provider errors onto retryable vs terminal statuses.
func billingStatus(err error) int {
	if billing.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) emitEntitlementUpdated(ent *models.Entitlement) {
	if ent == nil {
		return
	}
	h.emitEvent(ent.UserID, realtimeEvent{
		Type:   "entitlement.updated",
		Plan:   ent.Plan,
		Status: activeLabel(ent.IsActive),
	})
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}
