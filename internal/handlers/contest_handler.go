package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playoffpool/backend/internal/services"
)

type ContestHandler struct {
	join       *services.JoinService
	settlement *services.SettlementService
	validator  *services.ValidationHelper
}

func NewContestHandler(join *services.JoinService, settlement *services.SettlementService) *ContestHandler {
	return &ContestHandler{
		join:       join,
		settlement: settlement,
		validator:  services.NewValidationHelper(),
	}
}

// Join enters a user into a contest, debiting the entry fee.
func (h *ContestHandler) Join(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestId")

	var req struct {
		UserID string `json:"user_id" validate:"required,uuid4"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.join.JoinContest(r.Context(), req.UserID, contestID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInsufficientFunds):
			services.SendErrorResponse(w, err.Error(), http.StatusPaymentRequired, nil)
		case errors.Is(err, services.ErrContestNotFound), errors.Is(err, services.ErrUserNotFound):
			services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
		case errors.Is(err, services.ErrContestNotJoinable),
			errors.Is(err, services.ErrContestLockPassed),
			errors.Is(err, services.ErrContestFull):
			services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		default:
			services.SendErrorResponse(w, "Failed to join contest", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"result":  result,
	})
}

// Settle triggers settlement for a contest. Safe to call repeatedly; a
// settled contest returns its existing record.
func (h *ContestHandler) Settle(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestId")

	record, err := h.settlement.ExecuteSettlement(r.Context(), contestID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrContestNotFound):
			services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
		case errors.Is(err, services.ErrContestNotEligible),
			errors.Is(err, services.ErrSnapshotNotFound):
			services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		default:
			services.SendErrorResponse(w, "Settlement failed", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"settlement": record,
	})
}

// GetSettlement returns the settlement record for a contest.
func (h *ContestHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestId")

	record, err := h.settlement.GetSettlement(r.Context(), contestID)
	if err != nil {
		if errors.Is(err, services.ErrContestNotFound) {
			services.SendErrorResponse(w, "No settlement for contest", http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to read settlement", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"settlement": record,
	})
}
