package accountability

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// CommitmentVersion is bumped whenever the canonical serialisation changes.
const CommitmentVersion = 1

// Commitment is the record whose hash is anchored to the ledger before any
// settlement money moves. Field order is the canonical serialisation order;
// changing it requires a version bump.
type Commitment struct {
	DuelID              string `json:"duel_id"`
	WinnerStealthID     string `json:"winner_stealth_id"`
	LoserStealthID      string `json:"loser_stealth_id"`
	GameServerSignature string `json:"game_server_signature"`
	Timestamp           int64  `json:"timestamp"`
	Version             int    `json:"version"`
}

// Canonical returns the canonical serialisation the hash is computed over.
func (c *Commitment) Canonical() ([]byte, error) {
	return json.Marshal(c)
}

// Record is one audit-log entry: the commitment, its hash and the ledger
// publication outcome.
type Record struct {
	Commitment     Commitment `json:"commitment"`
	CommitmentHash string     `json:"commitment_hash"`
	OnChainTxID    string     `json:"on_chain_tx_id,omitempty"`
	OnChainSuccess bool       `json:"on_chain_success"`
	RecordedAt     time.Time  `json:"recorded_at"`
}

// Publisher anchors an opaque payload on the public ledger.
type Publisher interface {
	PublishMemo(ctx context.Context, payload string) (string, error)
	ExplorerURL(txSignature string) string
}

// Service builds settlement commitments, anchors their hashes and keeps the
// local audit log. Publication failure is non-fatal: a winner's payout must
// not freeze because the ledger is briefly unreachable, and the local log
// still proves prior commitment at operator level.
type Service struct {
	publisher Publisher

	mu      sync.Mutex
	records map[string][]*Record
}

func NewService(publisher Publisher) *Service {
	return &Service{
		publisher: publisher,
		records:   make(map[string][]*Record),
	}
}

// CommitToSettlement builds and hashes the commitment for a settlement,
// publishes the hash when asked, and appends to the audit log regardless of
// the publication outcome.
func (s *Service) CommitToSettlement(
	ctx context.Context,
	duelID string,
	winnerStealthID string,
	loserStealthID string,
	gameServerSignature string,
	publish bool,
) (*Record, error) {
	commitment := Commitment{
		DuelID:              duelID,
		WinnerStealthID:     winnerStealthID,
		LoserStealthID:      loserStealthID,
		GameServerSignature: gameServerSignature,
		Timestamp:           time.Now().UnixMilli(),
		Version:             CommitmentVersion,
	}

	canonical, err := commitment.Canonical()
	if err != nil {
		return nil, fmt.Errorf("failed to serialise commitment: %w", err)
	}
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])

	record := &Record{
		Commitment:     commitment,
		CommitmentHash: hash,
		RecordedAt:     time.Now(),
	}

	if publish {
		txID, pubErr := s.publisher.PublishMemo(ctx, hash)
		record.OnChainTxID = txID
		if pubErr != nil {
			log.Printf("Warning: failed to anchor commitment for duel %s: %v", duelID, pubErr)
		} else {
			record.OnChainSuccess = true
		}
	}

	s.mu.Lock()
	s.records[duelID] = append(s.records[duelID], record)
	s.mu.Unlock()

	return record, nil
}

// VerifyCommitment recomputes the hash of a commitment and compares it to
// the expected hex in constant time.
func VerifyCommitment(commitment *Commitment, expectedHash string) bool {
	canonical, err := commitment.Canonical()
	if err != nil {
		return false
	}
	sum := sha256.Sum256(canonical)
	recomputed := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(recomputed), []byte(expectedHash)) == 1
}

// Record returns the most recent audit entry for a duel.
func (s *Service) Record(duelID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.records[duelID]
	if len(entries) == 0 {
		return nil, false
	}
	return entries[len(entries)-1], true
}

// ExplorerURL renders the explorer link for an anchored tx.
func (s *Service) ExplorerURL(txSignature string) string {
	return s.publisher.ExplorerURL(txSignature)
}
