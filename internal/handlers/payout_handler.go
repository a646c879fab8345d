package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playoffpool/backend/internal/services"
)

type PayoutHandler struct {
	payouts *services.PayoutService
}

func NewPayoutHandler(payouts *services.PayoutService) *PayoutHandler {
	return &PayoutHandler{payouts: payouts}
}

// ProcessPending drains a batch of pending and processing payout jobs.
// The background poll loop calls the same service method; this endpoint
// exists for operational nudges.
func (h *PayoutHandler) ProcessPending(w http.ResponseWriter, r *http.Request) {
	result, err := h.payouts.ProcessPendingJobs(r.Context(), services.ProcessPendingOptions{})
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ProcessJob drains one batch of a single payout job.
func (h *PayoutHandler) ProcessJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	result, err := h.payouts.ProcessJob(r.Context(), jobID, services.ProcessJobOptions{})
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
