package billing

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"golang.org/x/time/rate"
)

// StripeAPI is the subset of the Stripe API this service consumes. It exists
// so handlers and the reconciliation service can be exercised in tests without
// network access; the real implementation wraps stripe-go's client.API.
type StripeAPI interface {
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	NewCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	NewPortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

type stripeClient struct {
	api     *client.API
	limiter *rate.Limiter
	timeout time.Duration
}

// NewStripeClient builds the production StripeAPI. Every call is bounded by a
// per-call timeout and a client-side rate limiter so a slow or throttling
// Stripe cannot pile up goroutines behind it.
func NewStripeClient(secretKey string) StripeAPI {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &stripeClient{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(25), 25),
		timeout: 15 * time.Second,
	}
}

// begin applies the limiter and the per-call deadline. The returned context is
// handed to stripe-go via Params.Context.
func (c *stripeClient) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, cancel, nil
}

func (c *stripeClient) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	return c.api.CheckoutSessions.Get(id, params)
}

func (c *stripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return c.api.Subscriptions.Get(id, params)
}

func (c *stripeClient) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	it := c.api.Customers.List(params)
	for it.Next() {
		return it.Customer(), nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *stripeClient) NewCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	params.Context = ctx
	return c.api.CheckoutSessions.New(params)
}

func (c *stripeClient) NewPortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	params.Context = ctx
	return c.api.BillingPortalSessions.New(params)
}

// IsTransient reports whether a provider error is safe to retry: Stripe 5xx or
// 429, timeouts, and network failures. Callers map these to retryable HTTP
// statuses so Stripe's webhook delivery (and the browser) will try again.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == 429
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
