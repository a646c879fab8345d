package services

import (
	"context"
	"fmt"

	"github.com/playoffpool/backend/internal/models"
)

// WalletRailExecutor is the default transfer executor for prizes paid into
// platform wallets. There is no external rail to call: the payout credit
// the orchestrator records against the ledger IS the money movement, so
// execution only validates the transfer and reports completion. An
// external-rail executor implements the same interface.
type WalletRailExecutor struct{}

func NewWalletRailExecutor() *WalletRailExecutor {
	return &WalletRailExecutor{}
}

func (e *WalletRailExecutor) ExecuteTransfer(ctx context.Context, transfer *models.PayoutTransfer) (*models.TransferResult, error) {
	if transfer.UserID == "" {
		return &models.TransferResult{
			Status:  models.TransferResultFailedTerminal,
			Message: "transfer has no payee",
		}, nil
	}
	if transfer.AmountCents < 0 {
		return &models.TransferResult{
			Status:  models.TransferResultFailedTerminal,
			Message: fmt.Sprintf("negative amount %d", transfer.AmountCents),
		}, nil
	}
	return &models.TransferResult{
		Status:      models.TransferResultCompleted,
		ProviderRef: "wallet:" + transfer.ID,
	}, nil
}
