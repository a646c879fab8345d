package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playoffpool/backend/internal/services"
)

type InviteHandler struct {
	invites   *services.InviteService
	validator *services.ValidationHelper
}

func NewInviteHandler(invites *services.InviteService) *InviteHandler {
	return &InviteHandler{
		invites:   invites,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR renders a shareable contest invite as a QR code.
func (h *InviteHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestId")

	token, qrImage, err := h.invites.GenerateInviteQR(r.Context(), contestID)
	if err != nil {
		if errors.Is(err, services.ErrContestNotFound) {
			services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to generate invite", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"token":   token,
		"qrImage": qrImage,
	})
}

// Redeem resolves an invite token to its contest.
func (h *InviteHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token" validate:"required"`
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

	contestID, err := h.invites.RedeemInvite(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, services.ErrInvalidInvite) {
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to redeem invite", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"contest_id": contestID,
	})
}
