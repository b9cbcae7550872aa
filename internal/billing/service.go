package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/clauselens/backend/internal/models"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	// ErrMissingAccountBinding means a checkout session or subscription could
	// not be attributed to any local account. This is unrecoverable: the
	// session was created outside our control. The caller must not write
	// anything.
	ErrMissingAccountBinding = errors.New("billing: no account binding in provider object")

	// ErrBadSignature means the webhook payload failed signature verification
	// and was rejected before any processing.
	ErrBadSignature = errors.New("billing: invalid webhook signature")

	// ErrNoBillingAccount means the account has no Stripe customer yet, so a
	// portal/refresh call has nothing to operate on.
	ErrNoBillingAccount = errors.New("billing: account has no billing profile")
)

// Config carries every Stripe credential and URL the service needs. It is
// assembled once in cmd/api from the environment and passed in explicitly;
// nothing inside the service reads env vars.
type Config struct {
	WebhookSecret   string
	Catalog         Catalog
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// Service is the subscription reconciliation engine. Both reconciliation
// entry points (the browser confirm call and the webhook feed) and the portal
// return path funnel through UpsertEntitlement, which is the only write path
// for the entitlements table.
type Service struct {
	db     *sql.DB
	stripe StripeAPI
	cfg    Config
}

func NewService(db *sql.DB, api StripeAPI, cfg Config) *Service {
	return &Service{db: db, stripe: api, cfg: cfg}
}

// Snapshot is a fully-resolved observation of one account's subscription
// state, fetched from Stripe at a single point in time. It is written as a
// whole (last write wins); it is never a delta.
//
// Snapshots are built by snapshotFromSubscription and the checkout/delete
// derivations below, which keep IsActive=false paired with PlanFree.
type Snapshot struct {
	Plan             Plan
	IsActive         bool
	CurrentPeriodEnd *time.Time
	CustomerID       string
	SubscriptionID   string
}

// UpsertEntitlement writes one snapshot for one account.
//
// The write is a single insert-or-replace keyed on user_id, so concurrent
// callers converge on whole records instead of interleaving fields. The
// customer id is the one merged column: once set it is kept (COALESCE), never
// silently replaced. Everything else is overwritten from the snapshot.
func (s *Service) UpsertEntitlement(ctx context.Context, userID string, snap Snapshot) (*models.Entitlement, error) {
	query := `
		INSERT INTO public.entitlements
			(user_id, plan, is_active, current_period_end, stripe_customer_id, stripe_subscription_id, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			is_active = EXCLUDED.is_active,
			current_period_end = EXCLUDED.current_period_end,
			-- Keep the first customer id we ever learned; Stripe treats it as stable.
			stripe_customer_id = COALESCE(public.entitlements.stripe_customer_id, EXCLUDED.stripe_customer_id),
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			updated_at = NOW()
		RETURNING user_id, plan, is_active, current_period_end, stripe_customer_id, stripe_subscription_id, updated_at
	`

	var ent models.Entitlement
	var periodEnd sql.NullTime
	var custID, subID sql.NullString
	err := s.db.QueryRowContext(ctx, query,
		userID, string(snap.Plan), snap.IsActive, snap.CurrentPeriodEnd, snap.CustomerID, snap.SubscriptionID,
	).Scan(&ent.UserID, &ent.Plan, &ent.IsActive, &periodEnd, &custID, &subID, &ent.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert entitlement: %w", err)
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		ent.CurrentPeriodEnd = &t
	}
	if custID.Valid {
		v := custID.String
		ent.StripeCustomerID = &v
	}
	if subID.Valid {
		v := subID.String
		ent.StripeSubscriptionID = &v
	}

	log.Printf("[Billing][Upsert] ok userId=%s plan=%s active=%t sub=%s", userID, ent.Plan, ent.IsActive, snap.SubscriptionID)
	return &ent, nil
}

// GetEntitlement returns the stored record, or nil when the account has never
// been written (a valid state: the record is created lazily).
func (s *Service) GetEntitlement(ctx context.Context, userID string) (*models.Entitlement, error) {
	var ent models.Entitlement
	var periodEnd sql.NullTime
	var custID, subID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, plan, is_active, current_period_end, stripe_customer_id, stripe_subscription_id, updated_at
		FROM public.entitlements
		WHERE user_id = $1
	`, userID).Scan(&ent.UserID, &ent.Plan, &ent.IsActive, &periodEnd, &custID, &subID, &ent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		ent.CurrentPeriodEnd = &t
	}
	if custID.Valid {
		v := custID.String
		ent.StripeCustomerID = &v
	}
	if subID.Valid {
		v := subID.String
		ent.StripeSubscriptionID = &v
	}
	return &ent, nil
}

// snapshotFromSubscription derives a whole-record snapshot from a Stripe
// subscription. planHint, when valid, wins over price resolution (checkout
// metadata carries the tier the user actually picked); events pass "".
func (s *Service) snapshotFromSubscription(sub *stripe.Subscription, planHint string) Snapshot {
	snap := Snapshot{SubscriptionID: sub.ID}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}

	active := sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing
	if !active {
		snap.Plan = PlanFree
		snap.IsActive = false
	} else {
		snap.IsActive = true
		if hint, ok := ParsePlan(planHint); ok && hint.Paid() {
			snap.Plan = hint
		} else {
			snap.Plan = s.cfg.Catalog.Resolve(subscriptionPriceID(sub))
		}
	}

	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		snap.CurrentPeriodEnd = &t
	}
	return snap
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	price := sub.Items.Data[0].Price
	if price == nil {
		return ""
	}
	if price.ID != "" {
		return price.ID
	}
	if price.Product != nil {
		return price.Product.ID
	}
	return ""
}

// ConfirmCheckout is the synchronous confirmation path, called by the browser
// right after the checkout redirect. It re-fetches provider truth on every
// call (never a cached value), so reloading the success page cannot regress
// the record with stale data, and it may freely race the webhook feed: both
// write whole snapshots through the same upsert.
func (s *Service) ConfirmCheckout(ctx context.Context, sessionID string) (*models.Entitlement, error) {
	sess, err := s.stripe.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session: %w", err)
	}

	userID := sess.Metadata["user_id"]
	if userID == "" {
		log.Printf("[Billing][Confirm] missing_account_binding session=%s", sessionID)
		return nil, ErrMissingAccountBinding
	}

	var snap Snapshot
	if sess.Subscription != nil && sess.Subscription.ID != "" {
		// Always fetch the subscription fresh instead of trusting the copy
		// embedded in the session.
		sub, err := s.stripe.GetSubscription(ctx, sess.Subscription.ID)
		if err != nil {
			return nil, fmt.Errorf("retrieve subscription: %w", err)
		}
		snap = s.snapshotFromSubscription(sub, sess.Metadata["tier"])
	} else {
		// One-shot purchase: no subscription object to consult, treat as active.
		plan, ok := ParsePlan(sess.Metadata["tier"])
		if !ok || !plan.Paid() {
			plan = s.cfg.Catalog.Resolve("")
		}
		snap = Snapshot{Plan: plan, IsActive: true}
	}
	if sess.Customer != nil && snap.CustomerID == "" {
		snap.CustomerID = sess.Customer.ID
	}

	return s.UpsertEntitlement(ctx, userID, snap)
}

// RefreshEntitlement is the billing-portal return path: the user managed the
// subscription in Stripe's portal and came back, so re-fetch the stored
// subscription and reconcile. Same write path as confirm and the event feed.
func (s *Service) RefreshEntitlement(ctx context.Context, userID string) (*models.Entitlement, error) {
	ent, err := s.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent == nil || ent.StripeSubscriptionID == nil || *ent.StripeSubscriptionID == "" {
		return nil, ErrNoBillingAccount
	}

	sub, err := s.stripe.GetSubscription(ctx, *ent.StripeSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription: %w", err)
	}
	return s.UpsertEntitlement(ctx, userID, s.snapshotFromSubscription(sub, ""))
}

// HandleWebhook verifies and dispatches one raw webhook delivery.
//
// Verification is a hard boundary: nothing is parsed or written before the
// signature checks out. Every accepted event is processed as an independent
// fresh snapshot, which is what makes duplicate and out-of-order delivery
// safe: the upsert is a pure overwrite, never an increment.
//
// The updated record is returned when the event produced a write (nil for
// acknowledged no-ops) so the HTTP layer can emit realtime events.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (*models.Entitlement, error) {
	// Events are carried at whatever API version the Stripe account pins;
	// a version mismatch must not break verification.
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Printf("[Billing][Webhook] signature verification failed: %v", err)
		return nil, ErrBadSignature
	}

	log.Printf("[Billing][Webhook] received type=%s id=%s", event.Type, event.ID)

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created":
		return s.handleSubscriptionCreated(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	default:
		// Not an error: acknowledge so Stripe does not retry.
		log.Printf("[Billing][Webhook] ignoring event type=%s", event.Type)
		return nil, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (*models.Entitlement, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal checkout session: %w", err)
	}

	userID := sess.Metadata["user_id"]
	if userID == "" {
		// Unattributable: drop after logging, never write.
		log.Printf("[Billing][Webhook] drop type=%s id=%s reason=no_user_id", event.Type, event.ID)
		return nil, nil
	}

	// Plan: metadata tier, else the subscription's price, else standard.
	if sess.Subscription != nil && sess.Subscription.ID != "" {
		sub, err := s.stripe.GetSubscription(ctx, sess.Subscription.ID)
		if err != nil {
			return nil, fmt.Errorf("retrieve subscription: %w", err)
		}
		snap := s.snapshotFromSubscription(sub, sess.Metadata["tier"])
		if sess.Customer != nil && snap.CustomerID == "" {
			snap.CustomerID = sess.Customer.ID
		}
		return s.UpsertEntitlement(ctx, userID, snap)
	}

	plan, ok := ParsePlan(sess.Metadata["tier"])
	if !ok || !plan.Paid() {
		plan = s.cfg.Catalog.Resolve("")
	}
	snap := Snapshot{Plan: plan, IsActive: true}
	if sess.Customer != nil {
		snap.CustomerID = sess.Customer.ID
	}
	return s.UpsertEntitlement(ctx, userID, snap)
}

func (s *Service) handleSubscriptionCreated(ctx context.Context, event stripe.Event) (*models.Entitlement, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}

	// Created events are only attributable through metadata; there is no local
	// record to look up by customer id yet.
	userID := sub.Metadata["user_id"]
	if userID == "" {
		log.Printf("[Billing][Webhook] drop type=%s id=%s sub=%s reason=no_user_id", event.Type, event.ID, sub.ID)
		return nil, nil
	}
	return s.UpsertEntitlement(ctx, userID, s.snapshotFromSubscription(&sub, ""))
}

// handleSubscriptionChanged applies customer.subscription.updated. The record
// is located primarily by customer id; the metadata user id is kept as a
// fallback so events can repair records that predate the customer binding.
func (s *Service) handleSubscriptionChanged(ctx context.Context, event stripe.Event) (*models.Entitlement, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}

	userID, err := s.resolveSubscriptionAccount(ctx, &sub)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		log.Printf("[Billing][Webhook] drop type=%s id=%s sub=%s reason=unresolvable_account", event.Type, event.ID, sub.ID)
		return nil, nil
	}
	return s.UpsertEntitlement(ctx, userID, s.snapshotFromSubscription(&sub, ""))
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (*models.Entitlement, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}

	userID, err := s.resolveSubscriptionAccount(ctx, &sub)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		log.Printf("[Billing][Webhook] drop type=%s id=%s sub=%s reason=unresolvable_account", event.Type, event.ID, sub.ID)
		return nil, nil
	}

	// Cancellation clears the period end explicitly.
	snap := Snapshot{
		Plan:           PlanFree,
		IsActive:       false,
		SubscriptionID: sub.ID,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	return s.UpsertEntitlement(ctx, userID, snap)
}

// resolveSubscriptionAccount maps a subscription to a local user id: by the
// stored customer id first, then by the subscription's metadata.
func (s *Service) resolveSubscriptionAccount(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Customer != nil && sub.Customer.ID != "" {
		var userID string
		err := s.db.QueryRowContext(ctx, `
			SELECT user_id FROM public.entitlements WHERE stripe_customer_id = $1
		`, sub.Customer.ID).Scan(&userID)
		if err == nil {
			return userID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("lookup customer %s: %w", sub.Customer.ID, err)
		}
	}
	return sub.Metadata["user_id"], nil
}
