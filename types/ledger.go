package types

import (
	"math/big"
	"time"
)

// LedgerTransaction is the subset of a chain transaction the verifier reads.
type LedgerTransaction struct {
	Hash  string
	From  string
	To    string
	Value *big.Int
	// Nil while the transaction is pending.
	BlockNumber *uint64
}

// Pending reports whether the transaction is not yet in a block.
func (t *LedgerTransaction) Pending() bool {
	return t.BlockNumber == nil
}

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	Asset  string
	From   string
	To     string
	Amount *big.Int
}

// LedgerReceipt is the execution outcome of a mined transaction.
type LedgerReceipt struct {
	TxHash      string
	Succeeded   bool
	BlockNumber uint64
	Transfers   []TransferEvent
}

// LedgerBlock is a block header.
type LedgerBlock struct {
	Number    uint64
	Timestamp time.Time
}

// SettlementReceipt is returned by a successful settlement write.
type SettlementReceipt struct {
	TxHash       string
	BlockNumber  uint64
	CreditAmount *big.Int // credits minted, in token base units
}

// UserCredits are the per-address counters kept by the facilitator contract.
type UserCredits struct {
	TotalPaid     *big.Int // settlement asset base units
	TotalCredited *big.Int // credit token base units
}

// GlobalCreditStats are the aggregate counters of the token and facilitator.
type GlobalCreditStats struct {
	TotalSupply     *big.Int
	MaxSupply       *big.Int
	RemainingSupply *big.Int
	TotalIssued     *big.Int
	CreditsPerUnit  *big.Int
	TotalPaid       *big.Int
	TotalPayments   *big.Int
}
