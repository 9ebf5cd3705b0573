package zkpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

const signatureScheme = "zkpool"

// Client talks to the ZK transfer backend that moves value inside the
// shielded pool. It owns the escrow and treasury keypairs and signs every
// transfer intent with the sending key. Retry policy belongs to the caller.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	escrowKey   solana.PrivateKey
	treasuryKey solana.PrivateKey
	prover      ProofGenerator
}

// TransferRequest describes one internal transfer. The nonce is supplied by
// the caller so one settlement attempt chain reuses a single nonce and the
// backend can deduplicate a retried submit whose response was lost.
type TransferRequest struct {
	SenderWallet    string
	RecipientWallet string
	Token           string
	Amount          uint64
	Nonce           uint32
	TransferType    string
}

type transferBody struct {
	SenderWallet    string `json:"sender_wallet"`
	RecipientWallet string `json:"recipient_wallet"`
	Token           string `json:"token"`
	Nonce           uint32 `json:"nonce"`
	Amount          uint64 `json:"amount"`
	ProofBytes      string `json:"proof_bytes"`
	Commitment      string `json:"commitment"`
	SenderSignature string `json:"sender_signature"`
}

type transferResponse struct {
	Success     bool   `json:"success"`
	TxSignature string `json:"tx_signature,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

type balanceResponse struct {
	Available *uint64 `json:"available,omitempty"`
	Balance   *uint64 `json:"balance,omitempty"`
}

// NewClient decodes both keypairs and fails if either secret is malformed.
func NewClient(baseURL, escrowSecret, treasurySecret string, prover ProofGenerator) (*Client, error) {
	escrowKey, err := solana.PrivateKeyFromBase58(escrowSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow wallet secret: %w", err)
	}
	treasuryKey, err := solana.PrivateKeyFromBase58(treasurySecret)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury wallet secret: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		escrowKey:   escrowKey,
		treasuryKey: treasuryKey,
		prover:      prover,
	}, nil
}

// EscrowWallet returns the public escrow pool address.
func (c *Client) EscrowWallet() string {
	return c.escrowKey.PublicKey().String()
}

// TreasuryWallet returns the public treasury address.
func (c *Client) TreasuryWallet() string {
	return c.treasuryKey.PublicKey().String()
}

// GetBalance queries the shielded pool balance for a wallet.
func (c *Client) GetBalance(ctx context.Context, wallet, token string) (uint64, error) {
	url := fmt.Sprintf("%s/pool/balance/%s?token=%s", c.baseURL, wallet, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &TransferError{Kind: ErrKindNetwork, Message: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &TransferError{Kind: ErrKindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &TransferError{Kind: ErrKindNetwork, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, classifyHTTP(resp.StatusCode, string(body))
	}

	var parsed balanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, &TransferError{Kind: ErrKindNetwork, Message: fmt.Sprintf("malformed balance response: %v", err)}
	}
	if parsed.Available != nil {
		return *parsed.Available, nil
	}
	if parsed.Balance != nil {
		return *parsed.Balance, nil
	}
	return 0, nil
}

// InternalTransfer moves value inside the shielded pool. It generates the
// range proof locally, signs the intent with the sender's keypair and
// submits once; a tagged error tells the caller whether a retry makes sense.
func (c *Client) InternalTransfer(ctx context.Context, req *TransferRequest) (string, error) {
	key, err := c.keyFor(req.SenderWallet)
	if err != nil {
		return "", err
	}

	proof, err := c.prover.Prove(req.Amount, RangeProofBits)
	if err != nil {
		return "", &TransferError{Kind: ErrKindInvalidProof, Message: err.Error()}
	}

	transferType := req.TransferType
	if transferType == "" {
		transferType = "internal_transfer"
	}
	intent := fmt.Sprintf("%s:%s:%s:%d", signatureScheme, transferType, uuid.NewString(), time.Now().Unix())
	sig, err := key.Sign([]byte(intent))
	if err != nil {
		return "", &TransferError{Kind: ErrKindNetwork, Message: fmt.Sprintf("failed to sign intent: %v", err)}
	}

	payload := transferBody{
		SenderWallet:    req.SenderWallet,
		RecipientWallet: req.RecipientWallet,
		Token:           req.Token,
		Nonce:           req.Nonce,
		Amount:          req.Amount,
		ProofBytes:      proof.ProofHex,
		Commitment:      proof.CommitmentHex,
		SenderSignature: base58.Encode(sig[:]),
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", &TransferError{Kind: ErrKindNetwork, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/zk/internal-transfer", bytes.NewReader(reqBody))
	if err != nil {
		return "", &TransferError{Kind: ErrKindNetwork, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &TransferError{Kind: ErrKindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransferError{Kind: ErrKindNetwork, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTP(resp.StatusCode, string(body))
	}

	var parsed transferResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &TransferError{Kind: ErrKindNetwork, Message: fmt.Sprintf("malformed transfer response: %v", err)}
	}
	if !parsed.Success {
		return "", classifyBackend(parsed)
	}

	log.Printf("zkpool transfer %s -> %s: %d %s (tx %s)",
		req.SenderWallet[:4], req.RecipientWallet[:4], req.Amount, req.Token, parsed.TxSignature)
	return parsed.TxSignature, nil
}

// keyFor picks the signing key matching a sender wallet. Only the escrow and
// treasury wallets can send.
func (c *Client) keyFor(senderWallet string) (solana.PrivateKey, error) {
	switch senderWallet {
	case c.EscrowWallet():
		return c.escrowKey, nil
	case c.TreasuryWallet():
		return c.treasuryKey, nil
	}
	return nil, &TransferError{
		Kind:    ErrKindInvalidProof,
		Message: fmt.Sprintf("no signing key for sender wallet %s", senderWallet),
	}
}

func classifyHTTP(status int, body string) *TransferError {
	if status == http.StatusTooManyRequests {
		return &TransferError{Kind: ErrKindRateLimit, Message: "backend rate limit"}
	}
	return &TransferError{Kind: ErrKindNetwork, Message: fmt.Sprintf("backend status %d: %s", status, body)}
}

func classifyBackend(resp transferResponse) *TransferError {
	msg := resp.Error
	if msg == "" {
		msg = resp.Message
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"):
		return &TransferError{Kind: ErrKindInsufficientBalance, Message: msg}
	case strings.Contains(lower, "minimum"):
		return &TransferError{Kind: ErrKindBelowMinimum, Message: msg}
	case strings.Contains(lower, "proof"):
		return &TransferError{Kind: ErrKindInvalidProof, Message: msg}
	case strings.Contains(lower, "rate"):
		return &TransferError{Kind: ErrKindRateLimit, Message: msg}
	default:
		return &TransferError{Kind: ErrKindNetwork, Message: msg}
	}
}
