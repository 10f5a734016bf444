// Package evm submits settlement calls to EVM chains. The facilitator
// account pays gas for the transferWithAuthorization call; the value
// moved belongs to the payer.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/facilitator"
	"github.com/mark3labs/x402-facilitator/scheme"
)

const defaultPollInterval = 2 * time.Second

// Client submits settlement transactions to one EVM chain.
type Client struct {
	rpc          *ethclient.Client
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration
}

// Verify that Client implements facilitator.ChainClient.
var _ facilitator.ChainClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) { c.pollInterval = interval }
}

// Dial connects to rpcURL and prepares the facilitator account for the
// given CAIP-2 network.
func Dial(rpcURL, network, privateKeyHex string, opts ...Option) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, x402.ErrInvalidKey
	}

	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}

	c := &Client{
		rpc:          rpc,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(x402.ChainID(network)),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address returns the facilitator account address.
func (c *Client) Address() common.Address {
	return c.from
}

// Submit signs and sends the settlement call, then blocks until the
// transaction is mined or ctx expires. The transaction hash is returned
// even on error once the transaction has been signed.
func (c *Client) Submit(ctx context.Context, call *scheme.SettlementCall) (string, error) {
	if call.ContractCall == nil {
		return "", fmt.Errorf("settlement call carries no contract call")
	}
	to := common.HexToAddress(call.ContractCall.To)

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch account nonce: %w", err)
	}

	gasTipCap, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas tip: %w", err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch chain head: %w", err)
	}
	// 2x base fee headroom so the transaction survives moderate spikes.
	gasFeeCap := new(big.Int).Add(gasTipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gasLimit, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &to,
		Data: call.ContractCall.Data,
	})
	if err != nil {
		return "", fmt.Errorf("gas estimation failed: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      call.ContractCall.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	txRef := signed.Hash().Hex()

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return txRef, fmt.Errorf("failed to send transaction: %w", err)
	}

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return txRef, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return txRef, fmt.Errorf("transaction %s reverted", txRef)
	}
	return txRef, nil
}

// GetStatus reports the state of a previously submitted transaction.
func (c *Client) GetStatus(ctx context.Context, _ string, txRef string) (facilitator.TxStatus, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return facilitator.TxPending, nil
	}
	if err != nil {
		return facilitator.TxPending, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return facilitator.TxReverted, nil
	}
	return facilitator.TxConfirmed, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
