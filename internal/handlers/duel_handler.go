package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"duel-escrow/internal/accountability"
	"duel-escrow/internal/config"
	"duel-escrow/internal/models"
	"duel-escrow/internal/services"
	"duel-escrow/internal/stealth"

	"github.com/gin-gonic/gin"
)

type DuelHandler struct {
	escrow *services.EscrowService
	audit  services.Committer
}

func NewDuelHandler(escrow *services.EscrowService, audit services.Committer) *DuelHandler {
	return &DuelHandler{
		escrow: escrow,
		audit:  audit,
	}
}

// respondServiceError maps engine errors to the wire contract: unknown duel
// is 404, precondition failures are 200 with success=false and a human
// string.
func respondServiceError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrDuelNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Duel not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

// CreateDuel creates a new duel between two wallets
// POST /api/v1/duel/create
func (h *DuelHandler) CreateDuel(c *gin.Context) {
	var req models.CreateDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.Token != "" {
		if _, ok := config.Token(req.Token); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Unsupported token: " + req.Token})
			return
		}
	}

	result, err := h.escrow.CreateDuel(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"duelId":              result.DuelID,
		"player1StealthId":    result.Player1StealthID,
		"player2StealthId":    result.Player2StealthID,
		"stakeAmountLamports": strconv.FormatUint(result.StakeLamports, 10),
		"expiresAt":           result.ExpiresAt,
	})
}

// LockStake records a participant's stake as locked
// POST /api/v1/duel/lock-stake
func (h *DuelHandler) LockStake(c *gin.Context) {
	var req models.LockStakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := h.escrow.LockStake(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"txSignature": result.TxID,
		"duelStatus":  result.Status,
		"bothLocked":  result.BothLocked,
	})
}

// Settle pays the declared winner and finalises the duel
// POST /api/v1/duel/settle
func (h *DuelHandler) Settle(c *gin.Context) {
	var req models.SettleDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := h.escrow.Settle(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	resp := gin.H{
		"success":               true,
		"winnerTxSignature":     result.WinnerTxID,
		"winnerPayoutLamports":  strconv.FormatUint(result.WinnerPayout, 10),
		"treasuryFeeLamports":   strconv.FormatUint(result.HouseFee, 10),
		"commitmentHash":        result.CommitmentHash,
		"commitmentTxSignature": result.CommitmentTxID,
	}
	if result.TreasuryTxID != "" {
		resp["treasuryTxSignature"] = result.TreasuryTxID
	}
	c.JSON(http.StatusOK, resp)
}

// Refund returns locked stakes and closes the duel
// POST /api/v1/duel/refund
func (h *DuelHandler) Refund(c *gin.Context) {
	var req models.RefundDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	txIDs, err := h.escrow.Refund(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if txIDs == nil {
		txIDs = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"refundTxSignatures": txIDs,
	})
}

// GetDuel retrieves a duel by id
// GET /api/v1/duel/:duelId
func (h *DuelHandler) GetDuel(c *gin.Context) {
	duelID := c.Param("duelId")
	if len(duelID) != 32 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid duel id"})
		return
	}

	duel, err := h.escrow.GetDuel(duelID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"duel":    shapeDuel(duel),
	})
}

// VerifyCommitment exposes the settlement commitment for public audit
// GET /api/v1/duel/verify/:duelId
func (h *DuelHandler) VerifyCommitment(c *gin.Context) {
	duelID := c.Param("duelId")

	record, ok := h.audit.Record(duelID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "No commitment record for this duel",
		})
		return
	}

	canonical, err := record.Commitment.Canonical()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal error"})
		return
	}
	sum := sha256.Sum256(canonical)
	recomputedHash := hex.EncodeToString(sum[:])
	hashMatches := accountability.VerifyCommitment(&record.Commitment, record.CommitmentHash)

	onChain := gin.H{"posted": record.OnChainSuccess}
	if record.OnChainTxID != "" {
		onChain["txSignature"] = record.OnChainTxID
		onChain["explorerUrl"] = h.audit.ExplorerURL(record.OnChainTxID)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"verification": gin.H{
			"duelId":          record.Commitment.DuelID,
			"winnerStealthId": record.Commitment.WinnerStealthID,
			"winnerAlias":     stealth.Alias(record.Commitment.WinnerStealthID),
			"loserStealthId":  record.Commitment.LoserStealthID,
			"loserAlias":      stealth.Alias(record.Commitment.LoserStealthID),
			"timestamp":       record.Commitment.Timestamp,
			"version":         record.Commitment.Version,
		},
		"commitment": gin.H{
			"rawData":        string(canonical),
			"hash":           record.CommitmentHash,
			"recomputedHash": recomputedHash,
			"hashMatches":    hashMatches,
		},
		"onChain": onChain,
	})
}

// RecoveryStatus lists duels needing operator attention
// GET /api/v1/duel/recovery/status
func (h *DuelHandler) RecoveryStatus(c *gin.Context) {
	status := h.escrow.Recovery()
	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"failedDuels":        status.FailedDuels,
		"pendingSettlements": status.PendingSettlements,
	})
}

// EmergencyRefund refunds both players with explicitly supplied wallets
// POST /api/v1/duel/recovery/emergency-refund
func (h *DuelHandler) EmergencyRefund(c *gin.Context) {
	var req models.EmergencyRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	results, err := h.escrow.EmergencyRefund(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	refunds := make([]gin.H, 0, len(results))
	for _, r := range results {
		entry := gin.H{"player": r.Player, "success": r.Success}
		if r.TxSignature != "" {
			entry["txSignature"] = r.TxSignature
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		refunds = append(refunds, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"refunds": refunds,
	})
}

// DustStatus reports accumulated sub-minimum house fees for a token
// GET /api/v1/duel/dust-status?token=
func (h *DuelHandler) DustStatus(c *gin.Context) {
	status, err := h.escrow.Dust(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"dustLamports":   strconv.FormatUint(status.DustLamports, 10),
		"canSweep":       status.CanSweep,
		"minimumToSweep": strconv.FormatUint(status.MinimumToSweep, 10),
	})
}

// SweepDust transfers accumulated dust to the treasury
// POST /api/v1/duel/sweep-dust
func (h *DuelHandler) SweepDust(c *gin.Context) {
	var req models.SweepDustRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	swept, txID, err := h.escrow.SweepDust(c.Request.Context(), req.Token)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"sweptLamports": strconv.FormatUint(swept, 10),
		"txSignature":   txID,
	})
}

// shapeDuel renders the public view of a duel record.
func shapeDuel(duel *models.Duel) gin.H {
	out := gin.H{
		"duelId":              duel.DuelID,
		"status":              duel.Status,
		"player1StealthId":    duel.Player1.StealthID,
		"player1Name":         duel.Player1.Name,
		"player1StakeLocked":  duel.Player1.StakeLocked,
		"player2StealthId":    duel.Player2.StealthID,
		"player2Name":         duel.Player2.Name,
		"player2StakeLocked":  duel.Player2.StakeLocked,
		"stakeAmountLamports": strconv.FormatUint(duel.StakeLamports, 10),
		"token":               duel.Token,
		"rules":               duel.Rules,
		"expiresAt":           duel.ExpiresAt,
	}
	if duel.WinnerStealthID != nil {
		out["winnerStealthId"] = *duel.WinnerStealthID
	}
	if duel.CombatSummary != nil {
		out["combatSummary"] = *duel.CombatSummary
	}
	return out
}
