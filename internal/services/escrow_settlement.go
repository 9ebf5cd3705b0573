package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"duel-escrow/internal/config"
	"duel-escrow/internal/models"
	"duel-escrow/internal/stealth"
	"duel-escrow/internal/zkpool"
)

// SettleResult is returned after a successful settlement.
type SettleResult struct {
	WinnerTxID     string
	TreasuryTxID   string
	WinnerPayout   uint64
	HouseFee       uint64
	CommitmentHash string
	CommitmentTxID string
}

// Settle pays the declared winner. The commitment is anchored before any
// money moves; the winner payout is retried on transient failures with one
// nonce across all attempts so the backend can deduplicate a lost response.
// The whole procedure runs inside the duel's critical section, which makes a
// duplicate settle call fail the status precondition instead of double
// paying.
func (es *EscrowService) Settle(ctx context.Context, req *models.SettleDuelRequest) (*SettleResult, error) {
	unlock := es.lockDuel(req.DuelID)
	defer unlock()

	duel, ok := es.store.Get(req.DuelID)
	if !ok {
		return nil, ErrDuelNotFound
	}

	if duel.Status != models.DuelStatusActive && duel.Status != models.DuelStatusPendingSettlement {
		return nil, fmt.Errorf("Duel is not ready for settlement (status: %s)", duel.Status)
	}

	var winner *models.Participant
	if es.stealth.Verify(req.WinnerWallet, duel.Player1.StealthID) {
		winner = &duel.Player1
	} else if es.stealth.Verify(req.WinnerWallet, duel.Player2.StealthID) {
		winner = &duel.Player2
	} else {
		return nil, errors.New("Winner wallet is not a participant in this duel")
	}
	loserID := duel.OpponentOf(winner.StealthID)

	token, ok := config.Token(duel.Token)
	if !ok {
		return nil, fmt.Errorf("Unsupported token: %s", duel.Token)
	}

	// Commit before any outbound transfer; exactly once per settle call, not
	// per retry. Publication failure is non-fatal.
	commitRecord, err := es.committer.CommitToSettlement(
		ctx, duel.DuelID, winner.StealthID, loserID, req.ServerSignature, true)
	if err != nil {
		log.Printf("Duel %s: commitment failed, continuing to settlement: %v", duel.DuelID, err)
	}

	duel.Status = models.DuelStatusPendingSettlement
	duel.WinnerStealthID = &winner.StealthID
	duel.CombatSummary = req.CombatSummary
	duel.UpdatedAt = time.Now()
	es.store.Set(duel.DuelID, duel, settlementTTL)
	es.store.AddPendingRecovery(duel.DuelID)

	perPlayer := escrowedAmount(duel.StakeLamports, token.DepositFeePercent)
	pot := 2 * perPlayer
	houseFee := pot * es.houseFee / 100
	winnerPayout := pot - houseFee

	winnerWallet, ok := es.stealth.Resolve(winner.StealthID)
	if !ok {
		es.revertSettlement(duel)
		return nil, errors.New("Winner wallet is no longer resolvable; use emergency recovery")
	}

	// Winner payout with retry. One nonce for the whole chain.
	nonce := newNonce()
	var winnerTxID string
	var lastErr error
	for attempt := 1; attempt <= payoutAttempts; attempt++ {
		winnerTxID, lastErr = es.backend.InternalTransfer(ctx, &zkpool.TransferRequest{
			SenderWallet:    es.backend.EscrowWallet(),
			RecipientWallet: winnerWallet,
			Token:           duel.Token,
			Amount:          winnerPayout,
			Nonce:           nonce,
			TransferType:    "winner_payout",
		})
		if lastErr == nil {
			break
		}
		log.Printf("Duel %s: winner payout attempt %d/%d failed: %v",
			duel.DuelID, attempt, payoutAttempts, lastErr)
		if !zkpool.IsTransient(lastErr) {
			break
		}
		if attempt < payoutAttempts {
			time.Sleep(es.retryBackoff)
		}
	}
	if lastErr != nil {
		es.revertSettlement(duel)
		if zkpool.IsTransient(lastErr) {
			return nil, fmt.Errorf("Winner payout failed after %d attempts: %v", payoutAttempts, lastErr)
		}
		return nil, fmt.Errorf("Winner payout rejected: %v", lastErr)
	}

	es.store.RemovePendingRecovery(duel.DuelID)

	// Treasury payout: single attempt, dust fallback. Fees below the
	// backend's minimum transfer go straight to the dust counter.
	var treasuryTxID string
	if houseFee > 0 {
		if houseFee >= token.MinTransferOut {
			treasuryTxID, err = es.backend.InternalTransfer(ctx, &zkpool.TransferRequest{
				SenderWallet:    es.backend.EscrowWallet(),
				RecipientWallet: es.backend.TreasuryWallet(),
				Token:           duel.Token,
				Amount:          houseFee,
				Nonce:           newNonce(),
				TransferType:    "house_fee",
			})
			if err != nil {
				log.Printf("Duel %s: treasury transfer failed, accumulating %d as dust: %v",
					duel.DuelID, houseFee, err)
				es.store.AddDust(duel.Token, houseFee)
				treasuryTxID = ""
			}
		} else {
			total := es.store.AddDust(duel.Token, houseFee)
			log.Printf("Duel %s: house fee %d below minimum transfer, dust now %d %s",
				duel.DuelID, houseFee, total, duel.Token)
		}
	}

	duel.Status = models.DuelStatusSettled
	duel.SettlementTxIDs = []string{winnerTxID}
	if treasuryTxID != "" {
		duel.SettlementTxIDs = append(duel.SettlementTxIDs, treasuryTxID)
	}
	duel.UpdatedAt = time.Now()
	es.store.Set(duel.DuelID, duel, settlementTTL)
	es.store.RemoveFailedRecovery(duel.DuelID)

	es.stealth.Unregister(duel.Player1.StealthID)
	es.stealth.Unregister(duel.Player2.StealthID)

	log.Printf("Duel %s settled: winner %s paid %d %s (house fee %d, treasury tx %q)",
		duel.DuelID, winner.StealthID[:8], winnerPayout, duel.Token, houseFee, treasuryTxID)

	result := &SettleResult{
		WinnerTxID:   winnerTxID,
		TreasuryTxID: treasuryTxID,
		WinnerPayout: winnerPayout,
		HouseFee:     houseFee,
	}
	if commitRecord != nil {
		result.CommitmentHash = commitRecord.CommitmentHash
		result.CommitmentTxID = commitRecord.OnChainTxID
	}
	return result, nil
}

// revertSettlement rolls a duel back to ACTIVE after an exhausted or
// rejected payout and marks it for manual recovery.
func (es *EscrowService) revertSettlement(duel *models.Duel) {
	duel.Status = models.DuelStatusActive
	duel.UpdatedAt = time.Now()
	es.store.Set(duel.DuelID, duel, settlementTTL)
	es.store.RemovePendingRecovery(duel.DuelID)
	es.store.AddFailedRecovery(duel.DuelID)
}

// DustStatus reports the accumulated dust for a token.
type DustStatus struct {
	Token          string
	DustLamports   uint64
	CanSweep       bool
	MinimumToSweep uint64
}

// Dust returns the dust counter state for a token.
func (es *EscrowService) Dust(symbol string) (*DustStatus, error) {
	if symbol == "" {
		symbol = config.DefaultToken
	}
	token, ok := config.Token(symbol)
	if !ok {
		return nil, fmt.Errorf("Unsupported token: %s", symbol)
	}
	dust := es.store.Dust(token.Symbol)
	return &DustStatus{
		Token:          token.Symbol,
		DustLamports:   dust,
		CanSweep:       dust >= token.MinTransferOut,
		MinimumToSweep: token.MinTransferOut,
	}, nil
}

// SweepDust transfers accumulated dust to the treasury and resets the
// counter. Single attempt, no retry.
func (es *EscrowService) SweepDust(ctx context.Context, symbol string) (uint64, string, error) {
	status, err := es.Dust(symbol)
	if err != nil {
		return 0, "", err
	}
	if !status.CanSweep {
		return 0, "", fmt.Errorf("Dust below minimum transfer (%d < %d)", status.DustLamports, status.MinimumToSweep)
	}

	txID, err := es.backend.InternalTransfer(ctx, &zkpool.TransferRequest{
		SenderWallet:    es.backend.EscrowWallet(),
		RecipientWallet: es.backend.TreasuryWallet(),
		Token:           status.Token,
		Amount:          status.DustLamports,
		Nonce:           newNonce(),
		TransferType:    "dust_sweep",
	})
	if err != nil {
		return 0, "", fmt.Errorf("Dust sweep failed: %v", err)
	}

	es.store.ResetDust(status.Token)
	log.Printf("Swept %d %s dust to treasury (tx %s)", status.DustLamports, status.Token, txID)
	return status.DustLamports, txID, nil
}

// RecoveryStatus lists duels needing operator attention.
type RecoveryStatus struct {
	FailedDuels        []string
	PendingSettlements []string
}

// Recovery returns the current recovery sets.
func (es *EscrowService) Recovery() *RecoveryStatus {
	return &RecoveryStatus{
		FailedDuels:        es.store.FailedRecovery(),
		PendingSettlements: es.store.PendingRecovery(),
	}
}

// EmergencyRefundResult is the outcome for one player of an emergency
// refund.
type EmergencyRefundResult struct {
	Player      string
	Success     bool
	TxSignature string
	Error       string
}

// EmergencyRefund pays both wallets their escrowed amount directly. It is
// the operator path for duels whose in-memory state was lost: all inputs
// arrive explicitly, nothing is read from the reverse map.
func (es *EscrowService) EmergencyRefund(ctx context.Context, req *models.EmergencyRefundRequest) ([]EmergencyRefundResult, error) {
	symbol := req.Token
	if symbol == "" {
		symbol = config.DefaultToken
	}
	token, ok := config.Token(symbol)
	if !ok {
		return nil, fmt.Errorf("Unsupported token: %s", symbol)
	}

	unlock := es.lockDuel(req.DuelID)
	defer unlock()

	perPlayer := escrowedAmount(req.StakePerPlayerLamports, token.DepositFeePercent)

	results := make([]EmergencyRefundResult, 0, 2)
	allOK := true
	for i, wallet := range []string{req.Player1Wallet, req.Player2Wallet} {
		result := EmergencyRefundResult{Player: fmt.Sprintf("player%d", i+1)}
		txID, err := es.backend.InternalTransfer(ctx, &zkpool.TransferRequest{
			SenderWallet:    es.backend.EscrowWallet(),
			RecipientWallet: wallet,
			Token:           token.Symbol,
			Amount:          perPlayer,
			Nonce:           newNonce(),
			TransferType:    "emergency_refund",
		})
		if err != nil {
			result.Error = err.Error()
			allOK = false
			log.Printf("Emergency refund for duel %s, %s (%s) failed: %v",
				req.DuelID, result.Player, stealth.Mask(wallet), err)
		} else {
			result.Success = true
			result.TxSignature = txID
		}
		results = append(results, result)
	}

	if allOK {
		es.store.RemovePendingRecovery(req.DuelID)
		es.store.RemoveFailedRecovery(req.DuelID)

		if duel, ok := es.store.Get(req.DuelID); ok {
			duel.Status = models.DuelStatusRefunded
			duel.UpdatedAt = time.Now()
			es.store.Set(duel.DuelID, duel, settlementTTL)
			es.stealth.Unregister(duel.Player1.StealthID)
			es.stealth.Unregister(duel.Player2.StealthID)
		}
		log.Printf("Emergency refund for duel %s completed: %d per player", req.DuelID, perPlayer)
	}

	return results, nil
}
