package billing

import (
	"context"
	"fmt"
	"log"

	"github.com/clauselens/backend/internal/models"
	"github.com/stripe/stripe-go/v79"
)

// CreateCheckout starts a Stripe Checkout session for a paid tier upgrade.
//
// The session carries the local user id and the picked tier in metadata; that
// binding is what lets the confirm path and the event feed attribute the
// resulting subscription back to the account. An existing Stripe customer is
// reused when one is known (stored id first, then email match) so repeat
// purchasers do not accumulate duplicate customer objects.
func (s *Service) CreateCheckout(ctx context.Context, user *models.User, plan Plan) (*models.CheckoutResponse, error) {
	priceID, ok := s.cfg.Catalog.PriceForPlan(plan)
	if !ok {
		return nil, fmt.Errorf("no price configured for plan %q", plan)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": user.ID},
		},
	}
	params.AddMetadata("user_id", user.ID)
	params.AddMetadata("tier", string(plan))

	if customerID, err := s.existingCustomerID(ctx, user); err != nil {
		return nil, err
	} else if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else if user.Email != "" {
		params.CustomerEmail = stripe.String(user.Email)
	}

	sess, err := s.stripe.NewCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	log.Printf("[Billing][Checkout] created session=%s userId=%s plan=%s", sess.ID, user.ID, plan)
	return &models.CheckoutResponse{SessionID: sess.ID, URL: sess.URL}, nil
}

// CreatePortal opens a Stripe billing-portal session so the user can manage
// the subscription on Stripe's side. After they return, the refresh endpoint
// reconciles whatever they changed.
func (s *Service) CreatePortal(ctx context.Context, user *models.User) (*models.PortalResponse, error) {
	customerID, err := s.existingCustomerID(ctx, user)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, ErrNoBillingAccount
	}

	sess, err := s.stripe.NewPortalSession(ctx, &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(s.cfg.PortalReturnURL),
	})
	if err != nil {
		return nil, fmt.Errorf("create portal session: %w", err)
	}

	log.Printf("[Billing][Portal] created userId=%s customer=%s", user.ID, customerID)
	return &models.PortalResponse{URL: sess.URL}, nil
}

// existingCustomerID finds the user's Stripe customer: the stored entitlement
// id when present, otherwise an email lookup against Stripe. Returns "" when
// neither side knows the user.
func (s *Service) existingCustomerID(ctx context.Context, user *models.User) (string, error) {
	ent, err := s.GetEntitlement(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if ent != nil && ent.StripeCustomerID != nil && *ent.StripeCustomerID != "" {
		return *ent.StripeCustomerID, nil
	}
	if user.Email == "" {
		return "", nil
	}
	cust, err := s.stripe.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		return "", fmt.Errorf("find customer by email: %w", err)
	}
	if cust == nil {
		return "", nil
	}
	return cust.ID, nil
}
