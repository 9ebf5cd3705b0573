package models

// Request DTOs for the internal duel API. Validation tags mirror the wire
// contract: wallets 32-44 chars, duel ids exactly 32, names 1-32.

type CreateDuelRequest struct {
	Player1Wallet      string     `json:"player1Wallet" binding:"required,min=32,max=44"`
	Player2Wallet      string     `json:"player2Wallet" binding:"required,min=32,max=44"`
	Player1CharacterID string     `json:"player1CharacterId" binding:"required"`
	Player2CharacterID string     `json:"player2CharacterId" binding:"required"`
	Player1Name        string     `json:"player1Name" binding:"required,min=1,max=32"`
	Player2Name        string     `json:"player2Name" binding:"required,min=1,max=32"`
	StakeAmount        float64    `json:"stakeAmount" binding:"required,gt=0"`
	Token              string     `json:"token,omitempty"`
	Rules              *DuelRules `json:"rules,omitempty"`
}

type LockStakeRequest struct {
	DuelID       string `json:"duelId" binding:"required,len=32"`
	PlayerWallet string `json:"playerWallet" binding:"required,min=32,max=44"`
	PaymentProof string `json:"paymentProof" binding:"required"`
}

type SettleDuelRequest struct {
	DuelID            string  `json:"duelId" binding:"required,len=32"`
	WinnerWallet      string  `json:"winnerWallet" binding:"required,min=32,max=44"`
	WinnerCharacterID string  `json:"winnerCharacterId,omitempty"`
	ServerSignature   string  `json:"serverSignature" binding:"required"`
	CombatSummary     *string `json:"combatSummary,omitempty"`
}

type RefundDuelRequest struct {
	DuelID          string `json:"duelId" binding:"required,len=32"`
	Reason          string `json:"reason" binding:"required,oneof=timeout cancelled error"`
	ServerSignature string `json:"serverSignature" binding:"required"`
}

type EmergencyRefundRequest struct {
	DuelID                 string `json:"duelId" binding:"required"`
	Player1Wallet          string `json:"player1Wallet" binding:"required,min=32,max=44"`
	Player2Wallet          string `json:"player2Wallet" binding:"required,min=32,max=44"`
	StakePerPlayerLamports uint64 `json:"stakePerPlayerLamports" binding:"required,gt=0"`
	Token                  string `json:"token,omitempty"`
}

type SweepDustRequest struct {
	Token string `json:"token,omitempty"`
}
