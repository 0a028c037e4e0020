// Package api provides the HTTP handlers for the query REST API.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"grepr/internal/domain"
	"grepr/internal/middleware"
	"grepr/internal/service/query"
)

// Handler serves the /v1/queries routes on top of the query service.
type Handler struct {
	svc    *query.Service
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *query.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// queryResponse is the JSON representation of a query job.
type queryResponse struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	SQL            string     `json:"sql"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Error          *string    `json:"error,omitempty"`
	RowsWritten    *int64     `json:"rows_written,omitempty"`
	BytesWritten   *int64     `json:"bytes_written,omitempty"`
}

func toQueryResponse(q *domain.Query) queryResponse {
	return queryResponse{
		ID:             q.ID,
		Status:         string(q.Status),
		SQL:            q.SQLText,
		IdempotencyKey: q.IdempotencyKey,
		CreatedAt:      q.CreatedAt,
		StartedAt:      q.StartedAt,
		EndedAt:        q.EndedAt,
		Error:          q.ErrorMessage,
		RowsWritten:    q.RowsWritten,
		BytesWritten:   q.BytesWritten,
	}
}

type submitRequest struct {
	SQL string `json:"sql"`
}

// SubmitQuery handles POST /v1/queries. The job is accepted, not executed:
// 202 with the PENDING snapshot.
func (h *Handler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeError(w, domain.ErrValidation("missing user identity"))
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrValidation("invalid request body"))
		return
	}

	q, err := h.svc.Submit(r.Context(), userID, req.SQL, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.logSubmitFailure(r, userID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toQueryResponse(q))
}

// GetQuery handles GET /v1/queries/{id}.
func (h *Handler) GetQuery(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserFromContext(r.Context())

	q, err := h.svc.Status(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueryResponse(q))
}

// GetQueryResults handles GET /v1/queries/{id}/results, streaming the
// ndjson artifact of a succeeded query.
func (h *Handler) GetQueryResults(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	rc, err := h.svc.Results(r.Context(), userID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		// Too late for an error envelope; the client sees a short body.
		h.logger.Warn("stream results", "query_id", id, "error", err)
	}
}

// CancelQuery handles POST /v1/queries/{id}/cancel.
func (h *Handler) CancelQuery(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserFromContext(r.Context())

	q, err := h.svc.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueryResponse(q))
}

// Ping handles GET /ping. Public.
func (h *Handler) Ping(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) logSubmitFailure(r *http.Request, userID string, err error) {
	h.logger.Info("query submission rejected",
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"user_id", userID,
		"error", err,
	)
}
