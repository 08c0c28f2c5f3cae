package clients

import (
	"context"
	"math/big"

	"github.com/vitwit/pay402/types"
)

// Ledger is the boundary to the chain. Implementations carry no business
// rules: they read chain state, submit the settlement write, and report
// failures as *LedgerError.
type Ledger interface {
	GetTransaction(ctx context.Context, ref string) (*types.LedgerTransaction, error)
	GetReceipt(ctx context.Context, ref string) (*types.LedgerReceipt, error)
	// GetBlock returns the block at number, or the latest block when number is nil.
	GetBlock(ctx context.Context, number *big.Int) (*types.LedgerBlock, error)
	GetUserCredits(ctx context.Context, user string) (*types.UserCredits, error)
	GetGlobalCreditStats(ctx context.Context) (*types.GlobalCreditStats, error)
	// SubmitSettlement records the payment and grants the credit. It must be
	// idempotent per ref and return ErrAlreadySettled on a repeat.
	SubmitSettlement(ctx context.Context, user string, amount *big.Int, ref string) (*types.SettlementReceipt, error)
	GetNetwork() types.Network
	Close()
}
