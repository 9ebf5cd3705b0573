package models

import (
	"time"
)

type DuelStatus string

const (
	DuelStatusPendingStakes     DuelStatus = "PENDING_STAKES"
	DuelStatusActive            DuelStatus = "ACTIVE"
	DuelStatusPendingSettlement DuelStatus = "PENDING_SETTLEMENT"
	DuelStatusSettled           DuelStatus = "SETTLED"
	DuelStatusRefunded          DuelStatus = "REFUNDED"
	// DuelStatusFailed is reserved for unrecoverable duels surfaced in API
	// responses; the settle/refund flow never enters it.
	DuelStatusFailed DuelStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s DuelStatus) IsTerminal() bool {
	return s == DuelStatusSettled || s == DuelStatusRefunded
}

// Participant is one side of a duel. Wallets are never stored here; only the
// stealth id derived from them.
type Participant struct {
	StealthID    string     `json:"stealth_id"`
	CharacterID  string     `json:"character_id"`
	Name         string     `json:"name"`
	StakeLocked  bool       `json:"stake_locked"`
	LockTxID     *string    `json:"lock_tx_id,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
}

// Duel is the central escrow aggregate. Amounts are in the token's smallest
// unit.
type Duel struct {
	DuelID          string       `json:"duel_id"`
	Status          DuelStatus   `json:"status"`
	Player1         Participant  `json:"player_1"`
	Player2         Participant  `json:"player_2"`
	Token           string       `json:"token"`
	StakeLamports   uint64       `json:"stake_lamports"`
	HouseFeePercent uint64       `json:"house_fee_percent"`
	Rules           DuelRules    `json:"rules"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	WinnerStealthID *string      `json:"winner_stealth_id,omitempty"`
	SettlementTxIDs []string     `json:"settlement_tx_ids,omitempty"`
	CombatSummary   *string      `json:"combat_summary,omitempty"`
}

// DuelRules is an opaque bag passed through from the game server unchanged.
type DuelRules struct {
	BestOfThree    bool  `json:"bestOfThree,omitempty"`
	SuddenDeath    bool  `json:"suddenDeath,omitempty"`
	AllowPotions   bool  `json:"allowPotions,omitempty"`
	TimeLimitSecs  int   `json:"timeLimitSeconds,omitempty"`
}

// BothLocked reports whether both participants have locked their stakes.
func (d *Duel) BothLocked() bool {
	return d.Player1.StakeLocked && d.Player2.StakeLocked
}

// ParticipantFor returns the participant matching the stealth id, or nil.
func (d *Duel) ParticipantFor(stealthID string) *Participant {
	if d.Player1.StealthID == stealthID {
		return &d.Player1
	}
	if d.Player2.StealthID == stealthID {
		return &d.Player2
	}
	return nil
}

// OpponentOf returns the other participant's stealth id, or "" if the given
// id is not a participant.
func (d *Duel) OpponentOf(stealthID string) string {
	switch stealthID {
	case d.Player1.StealthID:
		return d.Player2.StealthID
	case d.Player2.StealthID:
		return d.Player1.StealthID
	}
	return ""
}
