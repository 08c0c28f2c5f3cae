package types

// SettlementOutcome is the result of a settle call. It is one of Settled,
// Rejected, AlreadyProcessed or Failed.
type SettlementOutcome interface {
	settlementOutcome()
}

// Settled means the credit was granted and the proof is now consumed.
type Settled struct {
	Record SettlementRecord
}

// Rejected means the proof did not verify. Claim is a fresh quote for the
// same credit amount so the caller can restart the 402 flow.
type Rejected struct {
	Reason FailureReason
	Detail string
	Claim  *PaymentClaim
}

// AlreadyProcessed means the reference has been redeemed before, or another
// instance is redeeming it right now (Pending).
type AlreadyProcessed struct {
	TransactionReference string
	Record               *SettlementRecord
	Pending              bool
}

// Failed means infrastructure stopped the settlement. The reference is not
// marked as processed, so the caller may retry.
type Failed struct {
	Reason string
	Err    error
}

func (Settled) settlementOutcome()          {}
func (Rejected) settlementOutcome()         {}
func (AlreadyProcessed) settlementOutcome() {}
func (Failed) settlementOutcome()           {}

func (f Failed) Error() string {
	if f.Err == nil {
		return f.Reason
	}
	return f.Reason + ": " + f.Err.Error()
}
