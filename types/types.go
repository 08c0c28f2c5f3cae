package types

import (
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// Currency is the settlement asset a claim is priced in.
type Currency string

const (
	CurrencyUSDC Currency = "USDC"
)

// PaymentClaim is a priced, time-bounded request for payment (the 402 quote).
type PaymentClaim struct {
	// Derived from the remaining fields, so identical quotes share an id.
	ID string `json:"id"`

	// Number of credits the client asked for.
	RequestedCredit int64 `json:"tokenAmount"`

	// Price in whole currency units, fixed to the currency's decimals (e.g. "1.000000").
	RequiredAmount string `json:"amount"`

	Currency Currency `json:"currency"`

	// Chain the payment has to be made on (e.g. "base").
	Chain Network `json:"chain"`

	// Address the payment must be sent to.
	PayTo string `json:"payTo"`

	// Human readable description of the purchase.
	Reason string `json:"reason"`

	// Unix seconds.
	CreatedAt int64 `json:"createdAt"`
	ExpiresAt int64 `json:"expiry"`
}

// Expired reports whether the claim is past its expiry at now.
func (c *PaymentClaim) Expired(now time.Time) bool {
	return now.Unix() > c.ExpiresAt
}

// ProofOfPayment is what a client submits after paying. Nothing in it is
// trusted until it has been verified against the ledger.
type ProofOfPayment struct {
	TransactionReference string `json:"transactionReference" validate:"required"`
	ClaimedCredit        int64  `json:"claimedCredit" validate:"gt=0"`
	SubmittedBy          string `json:"submittedBy" validate:"required"`
}

// SettleRequest carries a proof of payment into the settlement coordinator.
type SettleRequest struct {
	// Payment transaction hash, taken from the X-PAYMENT header.
	TransactionReference string `json:"transactionReference" validate:"required"`

	// Address that receives the credit.
	UserAddress string `json:"userAddress" validate:"required"`

	// Credits requested; must match what was paid for.
	CreditAmount int64 `json:"amount" validate:"gt=0"`

	// Optional id of the claim the payment answers.
	ClaimID string `json:"claimId,omitempty"`
}

// Proof returns the request as a ProofOfPayment.
func (r *SettleRequest) Proof() ProofOfPayment {
	return ProofOfPayment{
		TransactionReference: r.TransactionReference,
		ClaimedCredit:        r.CreditAmount,
		SubmittedBy:          r.UserAddress,
	}
}

// FailureReason names the verification check that failed.
type FailureReason string

const (
	FailureNotFound           FailureReason = "not_found"
	FailureUnconfirmed        FailureReason = "unconfirmed"
	FailureExecutionFailed    FailureReason = "execution_failed"
	FailureNoTransferFound    FailureReason = "no_transfer_found"
	FailureWrongReceiver      FailureReason = "wrong_receiver"
	FailureInsufficientAmount FailureReason = "insufficient_amount"
	FailureClaimExpired       FailureReason = "claim_expired"
	FailureClaimMismatch      FailureReason = "claim_mismatch"
)

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid              bool          `json:"isValid"`
	TransactionReference string        `json:"txHash"`
	Sender               string        `json:"from,omitempty"`
	Recipient            string        `json:"to,omitempty"`
	Amount               string        `json:"amount,omitempty"` // atomic units
	Confirmations        uint64        `json:"confirmations"`
	Timestamp            *time.Time    `json:"timestamp,omitempty"`
	FailureReason        FailureReason `json:"invalidReason,omitempty"`
	Error                string        `json:"error,omitempty"`
}

// Fail builds an invalid result for ref.
func Fail(ref string, reason FailureReason, detail string) *VerificationResult {
	return &VerificationResult{
		IsValid:              false,
		TransactionReference: ref,
		FailureReason:        reason,
		Error:                detail,
	}
}

// SettlementRecord is the durable proof that a payment has been redeemed.
// There is at most one record per TransactionReference.
type SettlementRecord struct {
	TransactionReference  string    `json:"paymentTxHash"`
	UserAddress           string    `json:"userAddress"`
	CreditAmount          int64     `json:"tokenAmount"`
	RequiredAmount        string    `json:"requiredAmount"` // atomic units
	SettlementTxReference string    `json:"txHash"`
	SettledAt             time.Time `json:"settledAt"`
}

// SettlementResult is the wire shape of a successful settlement.
type SettlementResult struct {
	Success               bool   `json:"success"`
	Message               string `json:"message,omitempty"`
	SettlementTxReference string `json:"settlementTxReference"`
	CreditAmount          int64  `json:"creditAmount"`
	UserAddress           string `json:"userAddress"`
	PaymentTxReference    string `json:"paymentTxReference"`
	Timestamp             int64  `json:"timestamp"` // unix millis
}

// X402Response is returned with 402 Payment Required.
type X402Response struct {
	Status  int           `json:"status"`
	Payment *PaymentClaim `json:"payment"`
	Error   string        `json:"error,omitempty"`
}

// CreditStats is the aggregate issuance view served at /stats.
type CreditStats struct {
	TotalSupply     string `json:"totalSupply"`
	MaxSupply       string `json:"maxSupply"`
	RemainingSupply string `json:"remainingSupply"`
	TotalIssued     string `json:"totalMintedViaX402"`
	TotalPaid       string `json:"totalPaid"`
	TotalPayments   string `json:"totalPayments"`
	Price           string `json:"price"`
	CreditsPerUnit  int64  `json:"tokensPerUSDC"`
}

// UserStats is the per-address issuance view served at /stats/:address.
type UserStats struct {
	TotalPaid     string `json:"totalPaid"`
	TotalCredited string `json:"totalMinted"`
}
