package metrics

import "time"

// Metric names recorded by the settlement engine.
const (
	QuotesIssued        = "quotes_issued"
	QuotesRejected      = "quotes_rejected"
	ClaimsEvicted       = "claims_evicted"
	Verifications       = "verifications"
	Settlements         = "settlements"
	LedgerCalls         = "ledger_calls"
	OperationVerify     = "verify"
	OperationSettle     = "settle"
	OperationLedgerCall = "ledger_write"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
