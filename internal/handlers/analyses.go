package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/clauselens/backend/internal/entitlement"
	"github.com/clauselens/backend/internal/middleware"
	"github.com/clauselens/backend/internal/models"
)

// Analyzer produces a document summary. Implementations may be slow; the
// handler runs them off the request goroutine and reports completion over the
// event stream.
type Analyzer interface {
	Analyze(ctx context.Context, filename string) (string, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, filename string) (string, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, filename string) (string, error) {
	return f(ctx, filename)
}

// StubAnalyzer is the default Analyzer when no real engine is wired in.
func StubAnalyzer() Analyzer {
	return AnalyzerFunc(func(ctx context.Context, filename string) (string, error) {
		return fmt.Sprintf("Automated review of %s: no blocking clauses found.", filename), nil
	})
}

// CreateAnalysis starts an analysis for the account, subject to the
// entitlement gate. The row is written as 'processing' and completed in the
// background; clients follow progress over the websocket feed.
// POST /api/analyses/user/{userId}  body: {"filename": "..."}
func (h *Handler) CreateAnalysis(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req struct {
		Filename string `json:"filename"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	// The enforcer middleware usually decides first and stows the result in
	// the context; fall back to a direct check so the handler is safe when
	// mounted without it.
	decision, ok := r.Context().Value(middleware.CtxDecision).(entitlement.Decision)
	if !ok {
		var err error
		decision, err = h.gate.Check(r.Context(), userID)
		if err != nil {
			log.Printf("[Analyses][Create] gate error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": decision.Reason,
			"plan":  decision.Plan,
		})
		return
	}

	var analysis models.Analysis
	err := h.db.QueryRow(`
		INSERT INTO public.analyses (id, user_id, filename, status, created_at)
		VALUES (gen_random_uuid()::text, $1, $2, 'processing', NOW())
		RETURNING id, user_id, filename, status, created_at
	`, userID, req.Filename).Scan(&analysis.ID, &analysis.UserID, &analysis.Filename, &analysis.Status, &analysis.CreatedAt)
	if err != nil {
		log.Printf("[Analyses][Create] insert error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go h.runAnalysis(analysis)

	writeJSON(w, http.StatusAccepted, analysis)
}

// runAnalysis executes the analyzer and records the outcome. Failures leave
// the row in 'failed', which does not consume the free-tier allowance.
func (h *Handler) runAnalysis(analysis models.Analysis) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	summary, err := h.analyzer.Analyze(ctx, analysis.Filename)
	status := "completed"
	if err != nil {
		log.Printf("[Analyses][Run] analyzer error id=%s: %v", analysis.ID, err)
		status = "failed"
		summary = ""
	}

	_, dbErr := h.db.ExecContext(ctx, `
		UPDATE public.analyses
		SET status = $2, summary = NULLIF($3, '')
		WHERE id = $1
	`, analysis.ID, status, summary)
	if dbErr != nil {
		log.Printf("[Analyses][Run] update error id=%s: %v", analysis.ID, dbErr)
		return
	}

	h.emitEvent(analysis.UserID, realtimeEvent{
		Type:       "analysis.completed",
		AnalysisID: analysis.ID,
		Status:     status,
	})
}

// ListAnalyses returns the account's analyses, newest first.
// GET /api/analyses/user/{userId}?limit=20
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	limit := parseLimit(r, 20, 1, 100)

	rows, err := h.db.Query(`
		SELECT id, user_id, filename, summary, status, created_at
		FROM public.analyses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[Analyses][List] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	analyses := []models.Analysis{}
	for rows.Next() {
		var a models.Analysis
		var summary sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Filename, &summary, &a.Status, &a.CreatedAt); err != nil {
			log.Printf("[Analyses][List] scan error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if summary.Valid {
			a.Summary = &summary.String
		}
		analyses = append(analyses, a)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, analyses)
}

// GetAnalysis returns one analysis by id.
// GET /api/analyses/{id}
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var a models.Analysis
	var summary sql.NullString
	err := h.db.QueryRow(`
		SELECT id, user_id, filename, summary, status, created_at
		FROM public.analyses
		WHERE id = $1
	`, id).Scan(&a.ID, &a.UserID, &a.Filename, &summary, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "Analysis not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summary.Valid {
		a.Summary = &summary.String
	}

	writeJSON(w, http.StatusOK, a)
}
