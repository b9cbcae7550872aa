package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// EntitlementExpiryWorker downgrades paid records whose billing period has
// lapsed. The gate does the same check per request; the sweep catches idle
// accounts whose cancellation event was missed, so nothing stays paid forever
// on a stale record.
type EntitlementExpiryWorker struct {
	DB       *sql.DB
	Interval time.Duration // default: 1 hour
}

// Start begins the sweep loop and blocks until ctx is cancelled.
func (w *EntitlementExpiryWorker) Start(ctx context.Context) {
	if w.Interval <= 0 {
		w.Interval = time.Hour
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	log.Printf("[EntitlementExpiryWorker] started (interval=%s)", w.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[EntitlementExpiryWorker] stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep downgrades every expired paid record in one statement. Stripe ids and
// the period end stay put so a later reconciliation still has context.
func (w *EntitlementExpiryWorker) sweep(ctx context.Context) {
	result, err := w.DB.ExecContext(ctx, `
		UPDATE public.entitlements
		SET plan = 'free', is_active = false, updated_at = NOW()
		WHERE is_active = true
		AND plan <> 'free'
		AND current_period_end IS NOT NULL
		AND current_period_end < NOW()
	`)
	if err != nil {
		log.Printf("[EntitlementExpiryWorker] error: %v", err)
		return
	}

	downgraded, err := result.RowsAffected()
	if err != nil {
		log.Printf("[EntitlementExpiryWorker] error getting rows affected: %v", err)
		return
	}

	if downgraded > 0 {
		log.Printf("[EntitlementExpiryWorker] downgraded %d expired entitlements", downgraded)
	}
}
