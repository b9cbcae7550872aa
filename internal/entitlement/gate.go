package entitlement

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/clauselens/backend/internal/billing"
)

// Denial reason codes, stable across releases so clients can branch on them.
const (
	ReasonFreeLimitReached = "FREE_LIMIT_REACHED"
	ReasonSubInactive      = "SUB_INACTIVE"
)

// Decision is the outcome of one gate check. Reason is set only on denial.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Plan    billing.Plan `json:"plan"`
	Reason  string       `json:"reason,omitempty"`
}

// Gate decides whether an account may start a new analysis.
//
// Free accounts get a single completed analysis for the lifetime of the
// account. Paid accounts are gated on the mirrored subscription state, with
// the stored period end as a backstop against missed cancellation events.
type Gate struct {
	db *sql.DB
}

func NewGate(db *sql.DB) *Gate {
	return &Gate{db: db}
}

// Check evaluates the account's entitlement. An account with no entitlement
// row is a free account; the row is created lazily on first purchase.
//
// When a paid record's period end has passed, Check downgrades the record in
// place before denying. The sweep worker does the same in bulk; this path
// covers accounts it has not reached yet.
func (g *Gate) Check(ctx context.Context, userID string) (Decision, error) {
	plan := billing.PlanFree
	active := false
	var periodEnd sql.NullTime

	var stored string
	err := g.db.QueryRowContext(ctx, `
		SELECT plan, is_active, current_period_end
		FROM public.entitlements
		WHERE user_id = $1
	`, userID).Scan(&stored, &active, &periodEnd)
	switch {
	case err == sql.ErrNoRows:
		// Lazily-created record: absence means free tier.
	case err != nil:
		return Decision{}, fmt.Errorf("load entitlement: %w", err)
	default:
		if p, ok := billing.ParsePlan(stored); ok {
			plan = p
		}
	}

	if !plan.Paid() {
		return g.checkFree(ctx, userID)
	}

	if !active {
		return Decision{Allowed: false, Plan: plan, Reason: ReasonSubInactive}, nil
	}

	if periodEnd.Valid && periodEnd.Time.Before(time.Now()) {
		if err := g.downgradeExpired(ctx, userID); err != nil {
			return Decision{}, err
		}
		log.Printf("[Entitlement][Check] expired userId=%s plan=%s periodEnd=%s", userID, plan, periodEnd.Time.Format(time.RFC3339))
		return Decision{Allowed: false, Plan: billing.PlanFree, Reason: ReasonSubInactive}, nil
	}

	return Decision{Allowed: true, Plan: plan}, nil
}

// checkFree enforces the single lifetime analysis for free accounts. Only
// completed analyses count; a failed attempt does not consume the allowance.
func (g *Gate) checkFree(ctx context.Context, userID string) (Decision, error) {
	var used int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM public.analyses
		WHERE user_id = $1 AND status = 'completed'
	`, userID).Scan(&used)
	if err != nil {
		return Decision{}, fmt.Errorf("count analyses: %w", err)
	}
	if used >= 1 {
		return Decision{Allowed: false, Plan: billing.PlanFree, Reason: ReasonFreeLimitReached}, nil
	}
	return Decision{Allowed: true, Plan: billing.PlanFree}, nil
}

// downgradeExpired flips plan and active flag but leaves the period end and
// Stripe ids alone, so a later reconciliation still has the full picture.
func (g *Gate) downgradeExpired(ctx context.Context, userID string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE public.entitlements
		SET plan = 'free', is_active = false, updated_at = NOW()
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("downgrade expired entitlement: %w", err)
	}
	return nil
}
