package handlers

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/clauselens/backend/internal/billing"
	"github.com/clauselens/backend/internal/entitlement"
	"github.com/clauselens/backend/internal/models"
)

type Handler struct {
	db       *sql.DB
	rt       *realtimeHub
	billing  *billing.Service
	gate     *entitlement.Gate
	analyzer Analyzer
}

func New(db *sql.DB, billingSvc *billing.Service, gate *entitlement.Gate, analyzer Analyzer) *Handler {
	return &Handler{
		db:       db,
		rt:       newRealtimeHub(),
		billing:  billingSvc,
		gate:     gate,
		analyzer: analyzer,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var user models.User
	if err := decodeJSON(r, &user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if user.ID == "" || user.Email == "" {
		writeError(w, http.StatusBadRequest, "id and email are required")
		return
	}

	query := `
		INSERT INTO public.users (id, email, name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			-- Avoid clobbering existing values when callers don't know them
			email = COALESCE(NULLIF(EXCLUDED.email, ''), public.users.email),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), public.users.name)
		RETURNING id, email, name, created_at
	`

	err := h.db.QueryRow(query, user.ID, user.Email, user.Name).
		Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		log.Printf("[Users][Create] error id=%s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	user, err := h.loadUser(id)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var user models.User
	if err := decodeJSON(r, &user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := `
		UPDATE public.users
		SET email = $2, name = $3
		WHERE id = $1
		RETURNING id, email, name, created_at
	`

	err := h.db.QueryRow(query, id, user.Email, user.Name).
		Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		log.Printf("[Users][Update] error id=%s: %v", id, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// DeleteUser removes the account and everything hanging off it. The local
// entitlement mirror goes too; the Stripe side is left alone and will simply
// stop finding a record to reconcile into.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM public.analyses WHERE user_id = $1`,
		`DELETE FROM public.entitlements WHERE user_id = $1`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			log.Printf("[Users][Delete] cleanup error id=%s: %v", id, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	res, err := tx.Exec(`DELETE FROM public.users WHERE id = $1`, id)
	if err != nil {
		log.Printf("[Users][Delete] error id=%s: %v", id, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[Users][Delete] ok id=%s", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) loadUser(id string) (*models.User, error) {
	var user models.User
	err := h.db.QueryRow(`SELECT id, email, name, created_at FROM public.users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
