// Package svm submits settlement transactions to Solana chains. The
// facilitator key co-signs the client's partially signed transaction as
// fee payer before sending it.
package svm

import (
	"context"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mark3labs/x402-facilitator/facilitator"
	"github.com/mark3labs/x402-facilitator/scheme"
)

const defaultPollInterval = 2 * time.Second

// Client submits settlement transactions to one Solana cluster.
type Client struct {
	rpc          *rpc.Client
	feePayer     solana.PrivateKey
	pollInterval time.Duration
}

// Verify that Client implements facilitator.ChainClient.
var _ facilitator.ChainClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the signature status polling interval.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) { c.pollInterval = interval }
}

// Dial connects to the cluster at rpcURL with the given fee payer key.
func Dial(rpcURL string, feePayer solana.PrivateKey, opts ...Option) *Client {
	c := &Client{
		rpc:          rpc.New(rpcURL),
		feePayer:     feePayer,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FeePayer returns the fee payer public key.
func (c *Client) FeePayer() solana.PublicKey {
	return c.feePayer.PublicKey()
}

// Submit co-signs the transaction as fee payer, sends it, and blocks
// until it is confirmed or ctx expires. The transaction signature is
// returned even on error once the fee payer has signed.
func (c *Client) Submit(ctx context.Context, call *scheme.SettlementCall) (string, error) {
	if len(call.Transaction) == 0 {
		return "", fmt.Errorf("settlement call carries no transaction")
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(call.Transaction))
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(c.feePayer.PublicKey()) {
		return "", fmt.Errorf("transaction fee payer is not this facilitator")
	}

	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.feePayer.PublicKey()) {
			return &c.feePayer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign as fee payer: %w", err)
	}
	// The fee payer holds signer slot 0, so its signature identifies the
	// transaction.
	txRef := tx.Signatures[0].String()

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return txRef, fmt.Errorf("failed to send transaction: %w", err)
	}

	if err := c.waitConfirmed(ctx, sig); err != nil {
		return txRef, err
	}
	return txRef, nil
}

// GetStatus reports the state of a previously submitted transaction.
func (c *Client) GetStatus(ctx context.Context, _ string, txRef string) (facilitator.TxStatus, error) {
	sig, err := solana.SignatureFromBase58(txRef)
	if err != nil {
		return facilitator.TxPending, fmt.Errorf("invalid transaction signature: %w", err)
	}

	result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return facilitator.TxPending, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return facilitator.TxPending, nil
	}

	status := result.Value[0]
	if status.Err != nil {
		return facilitator.TxReverted, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return facilitator.TxConfirmed, nil
	default:
		return facilitator.TxPending, nil
	}
}

func (c *Client) waitConfirmed(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(result.Value) > 0 && result.Value[0] != nil {
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain", sig)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
