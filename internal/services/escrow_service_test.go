package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"duel-escrow/internal/accountability"
	"duel-escrow/internal/config"
	"duel-escrow/internal/models"
	"duel-escrow/internal/stealth"
	"duel-escrow/internal/store"
	"duel-escrow/internal/zkpool"
)

const (
	testPepper = "test-pepper-0123456789-0123456789-0123456789"
	p1Wallet   = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	p2Wallet   = "9aE476sH92Vz7DMPyq5WLPkrKWivxeuTKEFKd2sZZcde"
)

// fakeBackend scripts transfer outcomes for the engine under test.
type fakeBackend struct {
	mu        sync.Mutex
	transfers []*zkpool.TransferRequest
	// failures are consumed one per call; nil means success.
	failures  []error
	txCounter int
}

func (f *fakeBackend) GetBalance(_ context.Context, _, _ string) (uint64, error) {
	return 1 << 60, nil
}

func (f *fakeBackend) InternalTransfer(_ context.Context, req *zkpool.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := *req
	f.transfers = append(f.transfers, &copied)

	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return "", err
		}
	}

	f.txCounter++
	return fmt.Sprintf("fake_tx_%d", f.txCounter), nil
}

func (f *fakeBackend) EscrowWallet() string   { return "Escrow1111111111111111111111111111111111111" }
func (f *fakeBackend) TreasuryWallet() string { return "Treasury11111111111111111111111111111111111" }

func (f *fakeBackend) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

func (f *fakeBackend) lastTransfer() *zkpool.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transfers) == 0 {
		return nil
	}
	return f.transfers[len(f.transfers)-1]
}

// fakeAnchor satisfies accountability.Publisher without touching a ledger.
type fakeAnchor struct {
	err error
}

func (a *fakeAnchor) PublishMemo(_ context.Context, payload string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "anchor_" + payload[:8], nil
}

func (a *fakeAnchor) ExplorerURL(sig string) string {
	return "https://explorer.solana.com/tx/" + sig + "?cluster=devnet"
}

type testEnv struct {
	engine  *EscrowService
	backend *fakeBackend
	store   *store.Store
	stealth *stealth.Service
	audit   *accountability.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.New()
	t.Cleanup(st.Close)

	backend := &fakeBackend{}
	stealthSvc := stealth.NewService(testPepper)
	audit := accountability.NewService(&fakeAnchor{})

	engine := NewEscrowService(st, stealthSvc, backend, audit, config.EscrowConfig{
		HouseFeePercent: 2,
		TimeoutSeconds:  1800,
	})
	engine.retryBackoff = time.Millisecond

	return &testEnv{engine: engine, backend: backend, store: st, stealth: stealthSvc, audit: audit}
}

func createTestDuel(t *testing.T, env *testEnv, stake float64) *CreateDuelResult {
	t.Helper()
	result, err := env.engine.CreateDuel(context.Background(), &models.CreateDuelRequest{
		Player1Wallet:      p1Wallet,
		Player2Wallet:      p2Wallet,
		Player1CharacterID: "char-1",
		Player2CharacterID: "char-2",
		Player1Name:        "Alice",
		Player2Name:        "Bob",
		StakeAmount:        stake,
		Token:              "SOL",
	})
	if err != nil {
		t.Fatalf("CreateDuel failed: %v", err)
	}
	return result
}

func lockBoth(t *testing.T, env *testEnv, duelID string) {
	t.Helper()
	for i, w := range []string{p1Wallet, p2Wallet} {
		_, err := env.engine.LockStake(context.Background(), &models.LockStakeRequest{
			DuelID:       duelID,
			PlayerWallet: w,
			PaymentProof: fmt.Sprintf("tx_p%d", i+1),
		})
		if err != nil {
			t.Fatalf("LockStake for player %d failed: %v", i+1, err)
		}
	}
}

func TestCreateDuel(t *testing.T) {
	env := newTestEnv(t)

	result := createTestDuel(t, env, 0.1)

	if result.StakeLamports != 100_000_000 {
		t.Errorf("expected 100000000 lamports, got %d", result.StakeLamports)
	}
	if len(result.DuelID) != 32 {
		t.Errorf("expected 32-char duel id, got %q", result.DuelID)
	}
	if result.Player1StealthID != env.stealth.Generate(p1Wallet) {
		t.Error("player1 stealth id must be the pepper-bound hash of the wallet")
	}
	if result.Player2StealthID != env.stealth.Generate(p2Wallet) {
		t.Error("player2 stealth id must be the pepper-bound hash of the wallet")
	}

	duel, err := env.engine.GetDuel(result.DuelID)
	if err != nil {
		t.Fatalf("GetDuel failed: %v", err)
	}
	if duel.Status != models.DuelStatusPendingStakes {
		t.Errorf("expected PENDING_STAKES, got %s", duel.Status)
	}
	if duel.HouseFeePercent != 2 {
		t.Errorf("expected house fee locked at 2, got %d", duel.HouseFeePercent)
	}

	// Both wallets resolvable while the duel is live.
	if w, ok := env.stealth.Resolve(result.Player1StealthID); !ok || w != p1Wallet {
		t.Error("player1 wallet must be resolvable during the duel")
	}
}

func TestCreateDuelRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := models.CreateDuelRequest{
		Player1Wallet:      p1Wallet,
		Player2Wallet:      p2Wallet,
		Player1CharacterID: "c1",
		Player2CharacterID: "c2",
		Player1Name:        "A",
		Player2Name:        "B",
		StakeAmount:        0.1,
		Token:              "SOL",
	}

	same := base
	same.Player2Wallet = p1Wallet
	if _, err := env.engine.CreateDuel(ctx, &same); err == nil {
		t.Error("expected rejection for identical wallets")
	}

	low := base
	low.StakeAmount = 0.001 // below the 0.01 SOL minimum
	if _, err := env.engine.CreateDuel(ctx, &low); err == nil || !strings.Contains(err.Error(), "Stake too low") {
		t.Errorf("expected 'Stake too low', got %v", err)
	}

	// Minimum stake itself is accepted.
	exact := base
	exact.StakeAmount = 0.01
	if _, err := env.engine.CreateDuel(ctx, &exact); err != nil {
		t.Errorf("stake equal to minimum must be accepted: %v", err)
	}

	bad := base
	bad.Token = "DOGE"
	if _, err := env.engine.CreateDuel(ctx, &bad); err == nil {
		t.Error("expected rejection for unsupported token")
	}
}

func TestLockStakeFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 0.1)

	first, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
		DuelID: created.DuelID, PlayerWallet: p1Wallet, PaymentProof: "tx_p1",
	})
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	if first.BothLocked || first.Status != models.DuelStatusPendingStakes {
		t.Errorf("after one lock expected PENDING_STAKES/!bothLocked, got %s/%v", first.Status, first.BothLocked)
	}
	if first.TxID != "tx_p1" {
		t.Errorf("expected tx_p1, got %s", first.TxID)
	}

	// Locking twice for the same player is rejected without touching the
	// backend.
	if _, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
		DuelID: created.DuelID, PlayerWallet: p1Wallet, PaymentProof: "tx_p1_again",
	}); err == nil || !strings.Contains(err.Error(), "already locked") {
		t.Errorf("expected already-locked error, got %v", err)
	}
	if env.backend.transferCount() != 0 {
		t.Error("lock must never call the transfer backend")
	}

	second, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
		DuelID: created.DuelID, PlayerWallet: p2Wallet, PaymentProof: "tx_p2",
	})
	if err != nil {
		t.Fatalf("second lock failed: %v", err)
	}
	if !second.BothLocked || second.Status != models.DuelStatusActive {
		t.Errorf("after both locks expected ACTIVE/bothLocked, got %s/%v", second.Status, second.BothLocked)
	}

	if _, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
		DuelID: created.DuelID, PlayerWallet: "StrangerWallet111111111111111111111111111111", PaymentProof: "tx",
	}); err == nil || !strings.Contains(err.Error(), "not a participant") {
		t.Errorf("expected not-a-participant, got %v", err)
	}
}

func TestLockStakeProofExtraction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		proof string
		want  string
	}{
		{`{"txSignature":"sig_a"}`, "sig_a"},
		{`{"signature":"sig_b"}`, "sig_b"},
		{`{"tx":"sig_c"}`, "sig_c"},
		{`{"other":"x"}`, `{"other":"x"}`},
		{"bare_tx_id", "bare_tx_id"},
	}
	for _, tc := range cases {
		created := createTestDuel(t, env, 0.1)
		result, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
			DuelID: created.DuelID, PlayerWallet: p1Wallet, PaymentProof: tc.proof,
		})
		if err != nil {
			t.Fatalf("lock with proof %q failed: %v", tc.proof, err)
		}
		if result.TxID != tc.want {
			t.Errorf("proof %q: expected tx id %q, got %q", tc.proof, tc.want, result.TxID)
		}
	}
}

func TestLockStakeUnknownAndExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
		DuelID: strings.Repeat("0", 32), PlayerWallet: p1Wallet, PaymentProof: "tx",
	}); err != ErrDuelNotFound {
		t.Errorf("expected ErrDuelNotFound, got %v", err)
	}

	created := createTestDuel(t, env, 0.1)
	pastStakingDeadline(t, env, created.DuelID)

	if _, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
		DuelID: created.DuelID, PlayerWallet: p1Wallet, PaymentProof: "tx",
	}); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Errorf("expected expiry rejection, got %v", err)
	}
}

// pastStakingDeadline moves a duel's staking deadline into the past without
// touching the record's store retention.
func pastStakingDeadline(t *testing.T, env *testEnv, duelID string) {
	t.Helper()
	duel, ok := env.store.Get(duelID)
	if !ok {
		t.Fatal("duel must exist")
	}
	duel.ExpiresAt = time.Now().Add(-time.Minute)
}

func TestRefundAfterStakingDeadline(t *testing.T) {
	env := newTestEnv(t)
	created := createTestDuel(t, env, 0.1)
	pastStakingDeadline(t, env, created.DuelID)

	// The record must survive its own staking deadline so the timeout
	// refund can find it.
	if _, err := env.engine.GetDuel(created.DuelID); err != nil {
		t.Fatalf("duel must be readable past the deadline: %v", err)
	}

	txIDs, err := env.engine.Refund(context.Background(), &models.RefundDuelRequest{
		DuelID: created.DuelID, Reason: "timeout", ServerSignature: "sig",
	})
	if err != nil {
		t.Fatalf("timeout refund failed: %v", err)
	}
	if len(txIDs) != 0 {
		t.Errorf("nothing locked, expected no transfers, got %v", txIDs)
	}

	duel, err := env.engine.GetDuel(created.DuelID)
	if err != nil {
		t.Fatalf("GetDuel after refund failed: %v", err)
	}
	if duel.Status != models.DuelStatusRefunded {
		t.Errorf("expected REFUNDED, got %s", duel.Status)
	}
}

func TestSettleAfterStakingDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 0.1)
	lockBoth(t, env, created.DuelID)
	pastStakingDeadline(t, env, created.DuelID)

	// The deadline covers staking only; a match that outlasts it still
	// settles.
	result, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	})
	if err != nil {
		t.Fatalf("settle past the staking deadline failed: %v", err)
	}
	if result.WinnerPayout != 195_020_000 {
		t.Errorf("payout mismatch: %d", result.WinnerPayout)
	}

	// Locking past the deadline stays rejected.
	late := createTestDuel(t, env, 0.1)
	pastStakingDeadline(t, env, late.DuelID)
	if _, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
		DuelID: late.DuelID, PlayerWallet: p1Wallet, PaymentProof: "tx",
	}); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Errorf("expected expiry rejection, got %v", err)
	}
}

func TestGetDuelReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 0.1)
	lockBoth(t, env, created.DuelID)

	before, err := env.engine.GetDuel(created.DuelID)
	if err != nil {
		t.Fatalf("GetDuel failed: %v", err)
	}

	if _, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	}); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	// The earlier read is a snapshot; the settle must not mutate it.
	if before.Status != models.DuelStatusActive {
		t.Errorf("snapshot mutated by a later settle: %s", before.Status)
	}
	if before.WinnerStealthID != nil {
		t.Error("snapshot must not pick up the winner")
	}

	// Mutating a returned record must not leak into the store.
	after, _ := env.engine.GetDuel(created.DuelID)
	after.Status = models.DuelStatusFailed
	fresh, _ := env.engine.GetDuel(created.DuelID)
	if fresh.Status != models.DuelStatusSettled {
		t.Errorf("caller mutation leaked into the store: %s", fresh.Status)
	}
}

func TestDuelLocksAreReleased(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created := createTestDuel(t, env, 0.1)
	lockBoth(t, env, created.DuelID)
	if _, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	}); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if _, err := env.engine.GetDuel(created.DuelID); err != nil {
		t.Fatalf("GetDuel failed: %v", err)
	}

	env.engine.mu.Lock()
	held := len(env.engine.locks)
	env.engine.mu.Unlock()
	if held != 0 {
		t.Errorf("expected no retained duel locks, got %d", held)
	}
}

func TestSettleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 0.1)
	lockBoth(t, env, created.DuelID)

	result, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID:          created.DuelID,
		WinnerWallet:    p1Wallet,
		ServerSignature: "game-server-sig",
	})
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	// 0.1 SOL stake, 0.5% deposit fee, 2% house fee:
	// A = 99_500_000, P = 199_000_000, H = 3_980_000, W = 195_020_000.
	if result.WinnerPayout != 195_020_000 {
		t.Errorf("expected winner payout 195020000, got %d", result.WinnerPayout)
	}
	if result.HouseFee != 3_980_000 {
		t.Errorf("expected house fee 3980000, got %d", result.HouseFee)
	}
	// 3_980_000 is below the 0.1 SOL minimum transfer: no treasury tx, dust
	// instead.
	if result.TreasuryTxID != "" {
		t.Errorf("expected no treasury tx, got %s", result.TreasuryTxID)
	}
	if dust := env.store.Dust("SOL"); dust != 3_980_000 {
		t.Errorf("expected 3980000 dust, got %d", dust)
	}
	if result.CommitmentHash == "" || result.CommitmentTxID == "" {
		t.Error("expected anchored commitment hash and tx")
	}

	// Exactly one transfer: the winner payout, to player 1's real wallet.
	if env.backend.transferCount() != 1 {
		t.Fatalf("expected 1 transfer, got %d", env.backend.transferCount())
	}
	transfer := env.backend.lastTransfer()
	if transfer.RecipientWallet != p1Wallet {
		t.Errorf("payout must go to the winner's wallet, got %s", transfer.RecipientWallet)
	}
	if transfer.Amount != 195_020_000 {
		t.Errorf("payout transfer amount mismatch: %d", transfer.Amount)
	}

	duel, err := env.engine.GetDuel(created.DuelID)
	if err != nil {
		t.Fatalf("GetDuel after settle failed: %v", err)
	}
	if duel.Status != models.DuelStatusSettled {
		t.Errorf("expected SETTLED, got %s", duel.Status)
	}
	if duel.WinnerStealthID == nil || *duel.WinnerStealthID != created.Player1StealthID {
		t.Error("winner stealth id must be recorded on the duel")
	}

	// Terminal duels drop both reverse-map entries.
	if _, ok := env.stealth.Resolve(created.Player1StealthID); ok {
		t.Error("player1 must not be resolvable after settlement")
	}
	if _, ok := env.stealth.Resolve(created.Player2StealthID); ok {
		t.Error("player2 must not be resolvable after settlement")
	}

	// The audit record matches the duel and recomputes byte-for-byte.
	record, ok := env.audit.Record(created.DuelID)
	if !ok {
		t.Fatal("expected an audit record for the settled duel")
	}
	if record.Commitment.WinnerStealthID != created.Player1StealthID {
		t.Error("commitment winner mismatch")
	}
	if !accountability.VerifyCommitment(&record.Commitment, record.CommitmentHash) {
		t.Error("commitment hash must recompute byte-for-byte")
	}

	// Settling again is a precondition failure and changes nothing.
	if _, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	}); err == nil {
		t.Error("second settle must fail")
	}
	if env.backend.transferCount() != 1 {
		t.Error("second settle must not move money")
	}
}

func TestSettlePreconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 0.1)

	// Not both locked yet.
	if _, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	}); err == nil {
		t.Error("settle before ACTIVE must fail")
	}

	lockBoth(t, env, created.DuelID)

	if _, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: "StrangerWallet111111111111111111111111111111", ServerSignature: "sig",
	}); err == nil || !strings.Contains(err.Error(), "not a participant") {
		t.Errorf("expected winner-not-participant, got %v", err)
	}

	if _, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: strings.Repeat("a", 32), WinnerWallet: p1Wallet, ServerSignature: "sig",
	}); err != ErrDuelNotFound {
		t.Errorf("expected ErrDuelNotFound, got %v", err)
	}
}

func TestSettleRetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 0.1)
	lockBoth(t, env, created.DuelID)

	transient := &zkpool.TransferError{Kind: zkpool.ErrKindNetwork, Message: "backend down"}
	env.backend.failures = []error{transient, transient, transient}

	_, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	})
	if err == nil {
		t.Fatal("expected settle to fail after exhausted retries")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error must mention the attempt count, got: %v", err)
	}
	if env.backend.transferCount() != 3 {
		t.Errorf("expected 3 payout attempts, got %d", env.backend.transferCount())
	}

	// All three attempts must reuse one nonce so the backend can dedupe.
	env.backend.mu.Lock()
	nonce := env.backend.transfers[0].Nonce
	for i, tr := range env.backend.transfers {
		if tr.Nonce != nonce {
			t.Errorf("attempt %d used a different nonce", i+1)
		}
	}
	env.backend.mu.Unlock()

	duel, _ := env.engine.GetDuel(created.DuelID)
	if duel.Status != models.DuelStatusActive {
		t.Errorf("expected revert to ACTIVE, got %s", duel.Status)
	}

	recovery := env.engine.Recovery()
	if len(recovery.FailedDuels) != 1 || recovery.FailedDuels[0] != created.DuelID {
		t.Errorf("expected duel in failedDuels, got %v", recovery.FailedDuels)
	}
	if len(recovery.PendingSettlements) != 0 {
		t.Errorf("pending set must be empty after revert, got %v", recovery.PendingSettlements)
	}

	// A later settle with a healthy backend succeeds and clears recovery.
	result, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	})
	if err != nil {
		t.Fatalf("re-settle failed: %v", err)
	}
	if result.WinnerPayout != 195_020_000 {
		t.Errorf("re-settle payout mismatch: %d", result.WinnerPayout)
	}
	if got := env.engine.Recovery(); len(got.FailedDuels) != 0 {
		t.Errorf("failed set must clear after successful settle, got %v", got.FailedDuels)
	}
}

func TestSettlePermanentErrorNotRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 0.1)
	lockBoth(t, env, created.DuelID)

	env.backend.failures = []error{
		&zkpool.TransferError{Kind: zkpool.ErrKindInsufficientBalance, Message: "insufficient balance"},
	}

	_, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	})
	if err == nil {
		t.Fatal("expected settle to fail")
	}
	if env.backend.transferCount() != 1 {
		t.Errorf("permanent errors must not retry, got %d attempts", env.backend.transferCount())
	}

	duel, _ := env.engine.GetDuel(created.DuelID)
	if duel.Status != models.DuelStatusActive {
		t.Errorf("expected revert to ACTIVE, got %s", duel.Status)
	}
}

func TestRefundNothingLocked(t *testing.T) {
	env := newTestEnv(t)
	created := createTestDuel(t, env, 0.1)

	txIDs, err := env.engine.Refund(context.Background(), &models.RefundDuelRequest{
		DuelID: created.DuelID, Reason: "timeout", ServerSignature: "sig",
	})
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if len(txIDs) != 0 {
		t.Errorf("expected no transfers, got %v", txIDs)
	}
	if env.backend.transferCount() != 0 {
		t.Error("no stake locked means no transfer")
	}

	duel, _ := env.engine.GetDuel(created.DuelID)
	if duel.Status != models.DuelStatusRefunded {
		t.Errorf("expected REFUNDED, got %s", duel.Status)
	}
}

func TestRefundOneSidedPaysNominalStake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 0.1)

	if _, err := env.engine.LockStake(ctx, &models.LockStakeRequest{
		DuelID: created.DuelID, PlayerWallet: p1Wallet, PaymentProof: "tx_p1",
	}); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	txIDs, err := env.engine.Refund(ctx, &models.RefundDuelRequest{
		DuelID: created.DuelID, Reason: "cancelled", ServerSignature: "sig",
	})
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if len(txIDs) != 1 {
		t.Fatalf("expected exactly one refund transfer, got %d", len(txIDs))
	}

	transfer := env.backend.lastTransfer()
	if transfer.RecipientWallet != p1Wallet {
		t.Errorf("refund must go to the locker's wallet, got %s", transfer.RecipientWallet)
	}
	// Refund pays the nominal stake S, not the after-deposit-fee amount.
	if transfer.Amount != 100_000_000 {
		t.Errorf("expected refund of 100000000, got %d", transfer.Amount)
	}

	if _, ok := env.stealth.Resolve(created.Player1StealthID); ok {
		t.Error("reverse map must be cleared after refund")
	}

	// Refunding a terminal duel is rejected.
	if _, err := env.engine.Refund(ctx, &models.RefundDuelRequest{
		DuelID: created.DuelID, Reason: "error", ServerSignature: "sig",
	}); err == nil {
		t.Error("refund of a REFUNDED duel must fail")
	}
}

func TestDustAccumulationAndSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 0.11 SOL stakes: A = 109_450_000, P = 218_900_000, H = 4_378_000.
	expectedFee := uint64(4_378_000)
	for i := 1; i <= 3; i++ {
		created := createTestDuel(t, env, 0.11)
		lockBoth(t, env, created.DuelID)
		result, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
			DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
		})
		if err != nil {
			t.Fatalf("settle %d failed: %v", i, err)
		}
		if result.HouseFee != expectedFee {
			t.Fatalf("settle %d: expected fee %d, got %d", i, expectedFee, result.HouseFee)
		}
		if dust := env.store.Dust("SOL"); dust != expectedFee*uint64(i) {
			t.Errorf("after settle %d expected dust %d, got %d", i, expectedFee*uint64(i), dust)
		}
	}

	status, err := env.engine.Dust("SOL")
	if err != nil {
		t.Fatalf("Dust failed: %v", err)
	}
	if status.CanSweep {
		t.Error("13134000 dust is below the 0.1 SOL minimum, canSweep must be false")
	}

	// Sweeping under the minimum does nothing.
	if _, _, err := env.engine.SweepDust(ctx, "SOL"); err == nil {
		t.Error("sweep below minimum must fail")
	}

	// Push the counter over the minimum and sweep.
	env.store.AddDust("SOL", 90_000_000)
	total := expectedFee*3 + 90_000_000
	swept, txID, err := env.engine.SweepDust(ctx, "SOL")
	if err != nil {
		t.Fatalf("SweepDust failed: %v", err)
	}
	if swept != total {
		t.Errorf("expected to sweep %d, got %d", total, swept)
	}
	if txID == "" {
		t.Error("expected a sweep tx id")
	}
	if env.store.Dust("SOL") != 0 {
		t.Error("dust counter must reset after sweep")
	}

	transfer := env.backend.lastTransfer()
	if transfer.RecipientWallet != env.backend.TreasuryWallet() {
		t.Error("sweep must pay the treasury")
	}
	if transfer.Amount != total {
		t.Errorf("sweep transfer amount mismatch: %d", transfer.Amount)
	}
}

func TestTreasuryTransferWhenFeeAboveMinimum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 3 SOL stakes: A = 2_985_000_000, P = 5_970_000_000, H = 119_400_000,
	// above the 0.1 SOL minimum transfer.
	created := createTestDuel(t, env, 3)
	lockBoth(t, env, created.DuelID)

	result, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p2Wallet, ServerSignature: "sig",
	})
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if result.HouseFee != 119_400_000 {
		t.Errorf("expected house fee 119400000, got %d", result.HouseFee)
	}
	if result.TreasuryTxID == "" {
		t.Error("expected a treasury tx for a fee above the minimum")
	}
	if env.store.Dust("SOL") != 0 {
		t.Error("no dust expected when the fee transfers directly")
	}

	transfer := env.backend.lastTransfer()
	if transfer.RecipientWallet != env.backend.TreasuryWallet() {
		t.Error("house fee must pay the treasury")
	}

	duel, _ := env.engine.GetDuel(created.DuelID)
	if len(duel.SettlementTxIDs) != 2 {
		t.Errorf("expected winner + treasury tx ids, got %v", duel.SettlementTxIDs)
	}
}

func TestTreasuryFailureFallsBackToDust(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := createTestDuel(t, env, 3)
	lockBoth(t, env, created.DuelID)

	// Winner payout succeeds, treasury transfer fails once.
	env.backend.failures = []error{
		nil,
		&zkpool.TransferError{Kind: zkpool.ErrKindNetwork, Message: "blip"},
	}

	result, err := env.engine.Settle(ctx, &models.SettleDuelRequest{
		DuelID: created.DuelID, WinnerWallet: p1Wallet, ServerSignature: "sig",
	})
	if err != nil {
		t.Fatalf("Settle must succeed despite treasury failure: %v", err)
	}
	if result.TreasuryTxID != "" {
		t.Error("expected no treasury tx id")
	}
	if env.store.Dust("SOL") != 119_400_000 {
		t.Errorf("failed treasury transfer must become dust, got %d", env.store.Dust("SOL"))
	}

	duel, _ := env.engine.GetDuel(created.DuelID)
	if duel.Status != models.DuelStatusSettled {
		t.Errorf("treasury failure must not block settlement, got %s", duel.Status)
	}
}

func TestEmergencyRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	results, err := env.engine.EmergencyRefund(ctx, &models.EmergencyRefundRequest{
		DuelID:                 strings.Repeat("b", 32),
		Player1Wallet:          p1Wallet,
		Player2Wallet:          p2Wallet,
		StakePerPlayerLamports: 100_000_000,
		Token:                  "SOL",
	})
	if err != nil {
		t.Fatalf("EmergencyRefund failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success || r.TxSignature == "" {
			t.Errorf("expected success for %s, got %+v", r.Player, r)
		}
	}

	// Pays the escrowed amount A = floor(S * 0.995), not S.
	env.backend.mu.Lock()
	for _, tr := range env.backend.transfers {
		if tr.Amount != 99_500_000 {
			t.Errorf("expected 99500000 per player, got %d", tr.Amount)
		}
	}
	env.backend.mu.Unlock()
}

func TestEmergencyRefundPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	duelID := strings.Repeat("c", 32)
	env.store.AddFailedRecovery(duelID)
	env.backend.failures = []error{
		&zkpool.TransferError{Kind: zkpool.ErrKindNetwork, Message: "down"},
	}

	results, err := env.engine.EmergencyRefund(ctx, &models.EmergencyRefundRequest{
		DuelID:                 duelID,
		Player1Wallet:          p1Wallet,
		Player2Wallet:          p2Wallet,
		StakePerPlayerLamports: 100_000_000,
	})
	if err != nil {
		t.Fatalf("EmergencyRefund failed: %v", err)
	}
	if results[0].Success {
		t.Error("player1 refund should have failed")
	}
	if !results[1].Success {
		t.Error("player2 refund should have succeeded")
	}

	// Recovery sets stay put unless every transfer succeeded.
	if got := env.engine.Recovery(); len(got.FailedDuels) != 1 {
		t.Errorf("failed set must be untouched on partial failure, got %v", got.FailedDuels)
	}
}

func TestEscrowedAmount(t *testing.T) {
	cases := []struct {
		stake uint64
		want  uint64
	}{
		{100_000_000, 99_500_000},
		{110_000_000, 109_450_000},
		{1, 0},
		{200, 199},
	}
	for _, tc := range cases {
		if got := escrowedAmount(tc.stake, 0.5); got != tc.want {
			t.Errorf("escrowedAmount(%d) = %d, want %d", tc.stake, got, tc.want)
		}
	}
}

func TestToSmallestUnit(t *testing.T) {
	if got, err := toSmallestUnit(0.1, 9); err != nil || got != 100_000_000 {
		t.Errorf("0.1 @9 decimals: got %d, err %v", got, err)
	}
	if got, err := toSmallestUnit(2.5, 6); err != nil || got != 2_500_000 {
		t.Errorf("2.5 @6 decimals: got %d, err %v", got, err)
	}
	if _, err := toSmallestUnit(0, 9); err == nil {
		t.Error("zero stake must be rejected")
	}
}
