package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playoffpool/backend/internal/services"
)

type WalletHandler struct {
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewWalletHandler(ledger *services.LedgerService) *WalletHandler {
	return &WalletHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// GetBalance returns the wallet's derived balance.
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		services.SendErrorResponse(w, "Missing user id", http.StatusBadRequest, nil)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to read balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id":       userID,
		"balance_cents": balance,
	})
}

// GetEntries returns the wallet's ledger history, newest first.
func (h *WalletHandler) GetEntries(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		services.SendErrorResponse(w, "Missing user id", http.StatusBadRequest, nil)
		return
	}

	entries, err := h.ledger.Entries(r.Context(), userID, 100)
	if err != nil {
		services.SendErrorResponse(w, "Failed to read ledger entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id": userID,
		"entries": entries,
	})
}

// Credit tops up a wallet. The client reference makes retries idempotent.
func (h *WalletHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id" validate:"required,uuid4"`
		AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
		Reference   string `json:"reference" validate:"required,min=4"`
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

	entry, err := h.ledger.CreditWallet(r.Context(), req.UserID, req.AmountCents, req.Reference)
	if err != nil {
		if err == services.ErrIdempotencyConflict {
			services.SendErrorResponse(w, "Reference already used with a different amount", http.StatusConflict, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to credit wallet", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entry":   entry,
	})
}
