package blockchain

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// MemoProgramID is the SPL memo program used to anchor commitment hashes.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

const (
	confirmPollInterval = 2 * time.Second
	confirmTimeout      = 30 * time.Second
)

// AnchorClient publishes opaque payloads to the public ledger, signed by the
// server authority keypair. The escrow core only needs "publish bytes, get a
// tx id, wait for confirmation".
type AnchorClient struct {
	rpcClient *rpc.Client
	authority solana.PrivateKey
	network   string
}

// NewAnchorClient decodes the server authority secret and fails on any
// decoding error.
func NewAnchorClient(rpcURL, network, authoritySecret string) (*AnchorClient, error) {
	authority, err := solana.PrivateKeyFromBase58(authoritySecret)
	if err != nil {
		return nil, fmt.Errorf("invalid server authority secret: %w", err)
	}

	return &AnchorClient{
		rpcClient: rpc.New(rpcURL),
		authority: authority,
		network:   network,
	}, nil
}

// Authority returns the public key of the anchoring signer.
func (c *AnchorClient) Authority() solana.PublicKey {
	return c.authority.PublicKey()
}

// PublishMemo writes payload as UTF-8 memo bytes to the ledger and waits for
// confirmation at the confirmed commitment level. Returns the tx signature.
func (c *AnchorClient) PublishMemo(ctx context.Context, payload string) (string, error) {
	accounts := []*solana.AccountMeta{
		{PublicKey: c.authority.PublicKey(), IsWritable: false, IsSigner: true},
	}

	instruction := solana.NewInstruction(
		MemoProgramID,
		accounts,
		[]byte(payload),
	)

	recent, err := c.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return "", fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(c.authority.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.authority.PublicKey()) {
			return &c.authority
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := c.rpcClient.SendTransactionWithOpts(
		ctx,
		tx,
		rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: rpc.CommitmentConfirmed,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	if err := c.awaitConfirmation(ctx, sig); err != nil {
		return sig.String(), err
	}

	log.Printf("Anchored memo on %s: %s", c.network, sig)
	return sig.String(), nil
}

// awaitConfirmation polls signature status until the tx reaches confirmed or
// finalized, or the bounded wait elapses.
func (c *AnchorClient) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(confirmTimeout)
	for {
		status, err := c.rpcClient.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(status.Value) > 0 && status.Value[0] != nil {
			s := status.Value[0]
			if s.Err != nil {
				return fmt.Errorf("memo transaction failed on chain: %v", s.Err)
			}
			if s.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				s.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("memo transaction %s not confirmed within %s", sig, confirmTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirmPollInterval):
		}
	}
}

// ExplorerURL renders a block explorer link for a tx signature.
func (c *AnchorClient) ExplorerURL(txSignature string) string {
	if c.network == "mainnet-beta" {
		return fmt.Sprintf("https://explorer.solana.com/tx/%s", txSignature)
	}
	return fmt.Sprintf("https://explorer.solana.com/tx/%s?cluster=%s", txSignature, c.network)
}
