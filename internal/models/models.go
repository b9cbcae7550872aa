package models

import "time"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entitlement is the locally cached access record for one account, mirrored
// from Stripe. Exactly one row per user.
type Entitlement struct {
	UserID               string     `json:"userId"`
	Plan                 string     `json:"plan"`
	IsActive             bool       `json:"isActive"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type Analysis struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Filename  string    `json:"filename"`
	Summary   *string   `json:"summary,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type PortalResponse struct {
	URL string `json:"url"`
}
