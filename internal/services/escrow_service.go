package services

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"duel-escrow/internal/accountability"
	"duel-escrow/internal/config"
	"duel-escrow/internal/models"
	"duel-escrow/internal/stealth"
	"duel-escrow/internal/store"
	"duel-escrow/internal/zkpool"

	"github.com/shopspring/decimal"
)

const (
	// settlementTTL is the audit/recovery retention for duels past staking.
	settlementTTL = 24 * time.Hour

	payoutAttempts = 3
	payoutBackoff  = 2 * time.Second
)

// ErrDuelNotFound marks an unknown or expired duel id.
var ErrDuelNotFound = errors.New("duel not found")

// TransferBackend is the slice of the ZK pool client the engine consumes.
type TransferBackend interface {
	GetBalance(ctx context.Context, wallet, token string) (uint64, error)
	InternalTransfer(ctx context.Context, req *zkpool.TransferRequest) (string, error)
	EscrowWallet() string
	TreasuryWallet() string
}

// Committer is the slice of the accountability service the engine consumes.
type Committer interface {
	CommitToSettlement(ctx context.Context, duelID, winnerStealthID, loserStealthID, gameServerSignature string, publish bool) (*accountability.Record, error)
	Record(duelID string) (*accountability.Record, bool)
	ExplorerURL(txSignature string) string
}

// EscrowService owns the duel lifecycle: stake locking, settlement with
// commit-then-settle accountability, refunds, dust and recovery. Every
// read-then-mutate on a single duel id runs inside that duel's critical
// section; distinct duels proceed independently.
type EscrowService struct {
	store         *store.Store
	stealth       *stealth.Service
	backend       TransferBackend
	committer     Committer
	houseFee      uint64
	escrowTimeout time.Duration
	retryBackoff  time.Duration

	mu    sync.Mutex
	locks map[string]*duelLock
}

type duelLock struct {
	mu   sync.Mutex
	refs int
}

func NewEscrowService(
	st *store.Store,
	stealthSvc *stealth.Service,
	backend TransferBackend,
	committer Committer,
	cfg config.EscrowConfig,
) *EscrowService {
	return &EscrowService{
		store:         st,
		stealth:       stealthSvc,
		backend:       backend,
		committer:     committer,
		houseFee:      cfg.HouseFeePercent,
		escrowTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		retryBackoff:  payoutBackoff,
		locks:         make(map[string]*duelLock),
	}
}

// lockDuel serialises all work on one duel id. The returned func releases
// the critical section. Entries are refcounted and dropped once the last
// holder releases, so the map does not grow with every duel ever seen.
func (es *EscrowService) lockDuel(duelID string) func() {
	es.mu.Lock()
	l, ok := es.locks[duelID]
	if !ok {
		l = &duelLock{}
		es.locks[duelID] = l
	}
	l.refs++
	es.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		es.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(es.locks, duelID)
		}
		es.mu.Unlock()
	}
}

// recordTTL is the store retention for duel records. It outlives the staking
// deadline on purpose: duel.ExpiresAt gates create/lock, while the record
// itself stays readable so timeout refunds and settlement of matches that
// outlast the staking window still find it.
func (es *EscrowService) recordTTL() time.Duration {
	return es.escrowTimeout + settlementTTL
}

// CreateDuelResult is returned to the game server after duel creation.
type CreateDuelResult struct {
	DuelID           string
	Player1StealthID string
	Player2StealthID string
	StakeLamports    uint64
	ExpiresAt        time.Time
}

// CreateDuel validates the pairing, hashes both wallets into stealth ids and
// stores a PENDING_STAKES record. No server-side balance pre-check: clients
// verify before generating their transfer proofs.
func (es *EscrowService) CreateDuel(ctx context.Context, req *models.CreateDuelRequest) (*CreateDuelResult, error) {
	p1Wallet := strings.TrimSpace(req.Player1Wallet)
	p2Wallet := strings.TrimSpace(req.Player2Wallet)
	if p1Wallet == p2Wallet {
		return nil, errors.New("Players must use different wallets")
	}

	symbol := req.Token
	if symbol == "" {
		symbol = config.DefaultToken
	}
	token, ok := config.Token(symbol)
	if !ok {
		return nil, fmt.Errorf("Unsupported token: %s", symbol)
	}

	stakeLamports, err := toSmallestUnit(req.StakeAmount, token.Decimals)
	if err != nil {
		return nil, err
	}
	if stakeLamports < token.MinStakeLamports {
		return nil, errors.New("Stake too low")
	}

	p1ID := es.stealth.Register(p1Wallet)
	p2ID := es.stealth.Register(p2Wallet)

	duelID, err := generateDuelID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate duel id: %w", err)
	}

	now := time.Now()
	duel := &models.Duel{
		DuelID: duelID,
		Status: models.DuelStatusPendingStakes,
		Player1: models.Participant{
			StealthID:   p1ID,
			CharacterID: req.Player1CharacterID,
			Name:        req.Player1Name,
		},
		Player2: models.Participant{
			StealthID:   p2ID,
			CharacterID: req.Player2CharacterID,
			Name:        req.Player2Name,
		},
		Token:           token.Symbol,
		StakeLamports:   stakeLamports,
		HouseFeePercent: es.houseFee,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(es.escrowTimeout),
	}
	if req.Rules != nil {
		duel.Rules = *req.Rules
	}

	es.store.Set(duelID, duel, es.recordTTL())

	log.Printf("Created duel %s: %s vs %s, stake %d %s",
		duelID, stealth.Mask(p1Wallet), stealth.Mask(p2Wallet), stakeLamports, token.Symbol)

	return &CreateDuelResult{
		DuelID:           duelID,
		Player1StealthID: p1ID,
		Player2StealthID: p2ID,
		StakeLamports:    stakeLamports,
		ExpiresAt:        duel.ExpiresAt,
	}, nil
}

// LockStakeResult is returned after a successful stake lock.
type LockStakeResult struct {
	TxID       string
	Status     models.DuelStatus
	BothLocked bool
}

// LockStake records a participant's stake as locked. The claimed payment tx
// is trusted as supplied; it is not cross-checked against the transfer
// backend.
func (es *EscrowService) LockStake(ctx context.Context, req *models.LockStakeRequest) (*LockStakeResult, error) {
	unlock := es.lockDuel(req.DuelID)
	defer unlock()

	duel, ok := es.store.Get(req.DuelID)
	if !ok {
		return nil, ErrDuelNotFound
	}

	if duel.Status != models.DuelStatusPendingStakes {
		return nil, fmt.Errorf("Duel is not accepting stakes (status: %s)", duel.Status)
	}
	now := time.Now()
	if now.After(duel.ExpiresAt) {
		return nil, errors.New("Duel has expired")
	}

	var participant *models.Participant
	if es.stealth.Verify(req.PlayerWallet, duel.Player1.StealthID) {
		participant = &duel.Player1
	} else if es.stealth.Verify(req.PlayerWallet, duel.Player2.StealthID) {
		participant = &duel.Player2
	} else {
		return nil, errors.New("Wallet is not a participant in this duel")
	}

	if participant.StakeLocked {
		return nil, errors.New("Stake already locked for this player")
	}

	txID := extractTxID(req.PaymentProof)
	participant.StakeLocked = true
	participant.LockTxID = &txID
	participant.LockedAt = &now
	duel.UpdatedAt = now

	if duel.BothLocked() {
		duel.Status = models.DuelStatusActive
	}

	es.store.Set(duel.DuelID, duel, es.recordTTL())

	log.Printf("Duel %s: stake locked for %s (both=%v)", duel.DuelID, participant.StealthID[:8], duel.BothLocked())

	return &LockStakeResult{
		TxID:       txID,
		Status:     duel.Status,
		BothLocked: duel.BothLocked(),
	}, nil
}

// GetDuel returns a snapshot of the record for a duel id. Callers read it
// outside the duel's critical section, so the live struct must not escape.
func (es *EscrowService) GetDuel(duelID string) (*models.Duel, error) {
	unlock := es.lockDuel(duelID)
	defer unlock()

	duel, ok := es.store.Get(duelID)
	if !ok {
		return nil, ErrDuelNotFound
	}
	snapshot := *duel
	return &snapshot, nil
}

// Refund returns stakes to every participant who locked one and closes the
// duel. The refund pays the nominal stake S, not the after-deposit-fee
// amount: the house absorbs the deposit fee so players are made whole.
func (es *EscrowService) Refund(ctx context.Context, req *models.RefundDuelRequest) ([]string, error) {
	unlock := es.lockDuel(req.DuelID)
	defer unlock()

	duel, ok := es.store.Get(req.DuelID)
	if !ok {
		return nil, ErrDuelNotFound
	}
	if duel.Status.IsTerminal() {
		return nil, fmt.Errorf("Duel already finalised (status: %s)", duel.Status)
	}

	var txIDs []string
	refundFailed := false
	for _, participant := range []*models.Participant{&duel.Player1, &duel.Player2} {
		if !participant.StakeLocked {
			continue
		}
		wallet, ok := es.stealth.Resolve(participant.StealthID)
		if !ok {
			log.Printf("Duel %s: cannot resolve wallet for %s, skipping refund", duel.DuelID, participant.StealthID[:8])
			refundFailed = true
			continue
		}

		txID, err := es.backend.InternalTransfer(ctx, &zkpool.TransferRequest{
			SenderWallet:    es.backend.EscrowWallet(),
			RecipientWallet: wallet,
			Token:           duel.Token,
			Amount:          duel.StakeLamports,
			Nonce:           newNonce(),
			TransferType:    "refund",
		})
		if err != nil {
			log.Printf("Duel %s: refund to %s failed: %v", duel.DuelID, stealth.Mask(wallet), err)
			refundFailed = true
			continue
		}
		txIDs = append(txIDs, txID)
	}

	if refundFailed {
		// Leave a trace the recovery endpoints can enumerate; the emergency
		// refund takes wallets explicitly.
		es.store.AddFailedRecovery(duel.DuelID)
	}

	duel.Status = models.DuelStatusRefunded
	duel.UpdatedAt = time.Now()
	duel.SettlementTxIDs = append(duel.SettlementTxIDs, txIDs...)
	es.store.Set(duel.DuelID, duel, settlementTTL)

	es.stealth.Unregister(duel.Player1.StealthID)
	es.stealth.Unregister(duel.Player2.StealthID)

	log.Printf("Duel %s refunded (reason: %s, %d transfer(s))", duel.DuelID, req.Reason, len(txIDs))
	return txIDs, nil
}

// escrowedAmount is the per-player amount actually held in the pool after
// the backend's deposit fee: floor(S * (1 - f_d/100)).
func escrowedAmount(stake uint64, depositFeePercent float64) uint64 {
	s := decimal.NewFromInt(int64(stake))
	factor := decimal.NewFromInt(100).Sub(decimal.NewFromFloat(depositFeePercent))
	return uint64(s.Mul(factor).Div(decimal.NewFromInt(100)).Floor().IntPart())
}

// toSmallestUnit converts a human-unit amount to the token's smallest unit.
func toSmallestUnit(amount float64, decimals int32) (uint64, error) {
	lamports := decimal.NewFromFloat(amount).Shift(decimals).Floor()
	if !lamports.IsPositive() {
		return 0, errors.New("Stake must be positive")
	}
	return uint64(lamports.IntPart()), nil
}

// extractTxID pulls a tx signature out of an opaque payment proof: a JSON
// object wrapping one, or the raw string itself.
func extractTxID(proof string) string {
	trimmed := strings.TrimSpace(proof)
	if strings.HasPrefix(trimmed, "{") {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil {
			for _, key := range []string{"txSignature", "signature", "tx"} {
				if raw, ok := wrapped[key]; ok {
					var value string
					if err := json.Unmarshal(raw, &value); err == nil && value != "" {
						return value
					}
				}
			}
		}
	}
	return trimmed
}

// generateDuelID returns 32 hex chars from 16 random bytes.
func generateDuelID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// newNonce draws a random 32-bit transfer nonce.
func newNonce() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the platform source is broken; a
		// time-derived nonce keeps transfers flowing.
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(buf[:])
}
