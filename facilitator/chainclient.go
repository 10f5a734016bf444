package facilitator

import (
	"context"

	"github.com/mark3labs/x402-facilitator/scheme"
)

// TxStatus is the on-chain state of a submitted settlement.
type TxStatus string

const (
	// TxPending means the transaction is not yet finalized.
	TxPending TxStatus = "pending"
	// TxConfirmed means the transaction executed successfully.
	TxConfirmed TxStatus = "confirmed"
	// TxReverted means the transaction failed on chain.
	TxReverted TxStatus = "reverted"
)

// ChainClient submits settlement calls to one chain family and reports
// their status. Submit blocks until the transaction is confirmed or ctx
// expires; implementations return the transaction reference as soon as
// it is known, including alongside an error, so a timed-out submission
// can still be reconciled later.
type ChainClient interface {
	Submit(ctx context.Context, call *scheme.SettlementCall) (txRef string, err error)
	GetStatus(ctx context.Context, network, txRef string) (TxStatus, error)
}
