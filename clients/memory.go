package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/pay402/types"
	"github.com/vitwit/pay402/utils"
)

// MemoryLedger is an in-process Ledger for development and tests. It keeps
// its own processed-payment guard, like the facilitator contract does.
type MemoryLedger struct {
	mu sync.Mutex

	network types.Network
	asset   string

	creditsPerUnit *big.Int
	// 10^(creditDecimals - assetDecimals)
	scale     *big.Int
	maxSupply *big.Int

	head      uint64
	blockTime time.Time

	txs       map[string]*types.LedgerTransaction
	receipts  map[string]*types.LedgerReceipt
	processed map[common.Hash]string

	users         map[string]*types.UserCredits
	totalSupply   *big.Int
	totalPaid     *big.Int
	totalPayments int64

	// Called before each settlement write; a non-nil error aborts it.
	settleHook func(ref string) error
}

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedgerConfig configures a MemoryLedger.
type MemoryLedgerConfig struct {
	Network        types.Network
	Asset          string
	CreditsPerUnit int64
	AssetDecimals  int
	CreditDecimals int
	MaxSupply      *big.Int // in credit base units
}

func NewMemoryLedger(cfg MemoryLedgerConfig) *MemoryLedger {
	if cfg.Network == "" {
		cfg.Network = types.NetworkLocal
	}
	if cfg.CreditDecimals == 0 {
		cfg.CreditDecimals = 18
	}
	if cfg.AssetDecimals == 0 {
		cfg.AssetDecimals = 6
	}
	maxSupply := cfg.MaxSupply
	if maxSupply == nil {
		maxSupply = new(big.Int).Mul(big.NewInt(1_000_000_000), pow10(cfg.CreditDecimals))
	}

	return &MemoryLedger{
		network:        cfg.Network,
		asset:          cfg.Asset,
		creditsPerUnit: big.NewInt(cfg.CreditsPerUnit),
		scale:          pow10(cfg.CreditDecimals - cfg.AssetDecimals),
		maxSupply:      maxSupply,
		head:           1,
		blockTime:      time.Now().UTC(),
		txs:            make(map[string]*types.LedgerTransaction),
		receipts:       make(map[string]*types.LedgerReceipt),
		processed:      make(map[common.Hash]string),
		users:          make(map[string]*types.UserCredits),
		totalSupply:    new(big.Int),
		totalPaid:      new(big.Int),
	}
}

// TransferOption adjusts a transfer recorded with AddTransfer.
type TransferOption func(*memoryTransfer)

type memoryTransfer struct {
	pending bool
	failed  bool
	asset   string
	noEvent bool
}

// Pending leaves the transfer out of any block.
func Pending() TransferOption {
	return func(t *memoryTransfer) { t.pending = true }
}

// Reverted mines the transfer with a failed status and no events.
func Reverted() TransferOption {
	return func(t *memoryTransfer) { t.failed = true }
}

// WithAsset emits the Transfer event from a different token contract.
func WithAsset(asset string) TransferOption {
	return func(t *memoryTransfer) { t.asset = asset }
}

// WithoutEvent mines a plain transaction that emits no Transfer event.
func WithoutEvent() TransferOption {
	return func(t *memoryTransfer) { t.noEvent = true }
}

// AddTransfer records an asset transfer under ref and mines it into a new
// block unless Pending is given.
func (m *MemoryLedger) AddTransfer(ref, from, to string, amount *big.Int, opts ...TransferOption) {
	t := memoryTransfer{asset: m.asset}
	for _, opt := range opts {
		opt(&t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := utils.NormalizeReference(ref)
	tx := &types.LedgerTransaction{
		Hash:  ref,
		From:  from,
		To:    t.asset,
		Value: new(big.Int),
	}
	m.txs[key] = tx
	if t.pending {
		return
	}

	block := m.mine()
	tx.BlockNumber = &block

	receipt := &types.LedgerReceipt{
		TxHash:      ref,
		Succeeded:   !t.failed,
		BlockNumber: block,
	}
	if !t.failed && !t.noEvent {
		receipt.Transfers = []types.TransferEvent{{
			Asset:  t.asset,
			From:   from,
			To:     to,
			Amount: new(big.Int).Set(amount),
		}}
	}
	m.receipts[key] = receipt
}

// MineBlocks advances the head by n empty blocks.
func (m *MemoryLedger) MineBlocks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.mine()
	}
}

// SetSettleHook installs fn to run before every settlement write.
func (m *MemoryLedger) SetSettleHook(fn func(ref string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleHook = fn
}

// SettlementCount returns how many settlements were written.
func (m *MemoryLedger) SettlementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

func (m *MemoryLedger) mine() uint64 {
	m.head++
	m.blockTime = m.blockTime.Add(2 * time.Second)
	return m.head
}

func (m *MemoryLedger) GetNetwork() types.Network {
	return m.network
}

func (m *MemoryLedger) Close() {}

func (m *MemoryLedger) GetTransaction(ctx context.Context, ref string) (*types.LedgerTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, newLedgerError(KindConnection, "get_transaction", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[utils.NormalizeReference(ref)]
	if !ok {
		return nil, newLedgerError(KindNotFound, "get_transaction", fmt.Errorf("transaction %s", ref))
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryLedger) GetReceipt(ctx context.Context, ref string) (*types.LedgerReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, newLedgerError(KindConnection, "get_receipt", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.receipts[utils.NormalizeReference(ref)]
	if !ok {
		return nil, newLedgerError(KindNotFound, "get_receipt", fmt.Errorf("receipt %s", ref))
	}
	cp := *r
	cp.Transfers = append([]types.TransferEvent(nil), r.Transfers...)
	return &cp, nil
}

func (m *MemoryLedger) GetBlock(ctx context.Context, number *big.Int) (*types.LedgerBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, newLedgerError(KindConnection, "get_block", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if number == nil {
		return &types.LedgerBlock{Number: m.head, Timestamp: m.blockTime}, nil
	}
	n := number.Uint64()
	if n > m.head {
		return nil, newLedgerError(KindNotFound, "get_block", fmt.Errorf("block %d", n))
	}
	// Blocks are two seconds apart.
	ts := m.blockTime.Add(-time.Duration(m.head-n) * 2 * time.Second)
	return &types.LedgerBlock{Number: n, Timestamp: ts}, nil
}

func (m *MemoryLedger) GetUserCredits(ctx context.Context, user string) (*types.UserCredits, error) {
	if err := ctx.Err(); err != nil {
		return nil, newLedgerError(KindConnection, "get_user_credits", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[strings.ToLower(user)]
	if !ok {
		return &types.UserCredits{TotalPaid: new(big.Int), TotalCredited: new(big.Int)}, nil
	}
	return &types.UserCredits{
		TotalPaid:     new(big.Int).Set(u.TotalPaid),
		TotalCredited: new(big.Int).Set(u.TotalCredited),
	}, nil
}

func (m *MemoryLedger) GetGlobalCreditStats(ctx context.Context) (*types.GlobalCreditStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, newLedgerError(KindConnection, "get_global_stats", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return &types.GlobalCreditStats{
		TotalSupply:     new(big.Int).Set(m.totalSupply),
		MaxSupply:       new(big.Int).Set(m.maxSupply),
		RemainingSupply: new(big.Int).Sub(m.maxSupply, m.totalSupply),
		TotalIssued:     new(big.Int).Set(m.totalSupply),
		CreditsPerUnit:  new(big.Int).Set(m.creditsPerUnit),
		TotalPaid:       new(big.Int).Set(m.totalPaid),
		TotalPayments:   big.NewInt(m.totalPayments),
	}, nil
}

func (m *MemoryLedger) SubmitSettlement(ctx context.Context, user string, amount *big.Int, ref string) (*types.SettlementReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, newLedgerError(KindConnection, "submit_settlement", err)
	}

	m.mu.Lock()
	hook := m.settleHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ref); err != nil {
			return nil, classify("submit_settlement", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := utils.ReferenceKey(ref)
	if _, done := m.processed[key]; done {
		return nil, newLedgerError(KindAlreadySettled, "submit_settlement", fmt.Errorf("reference %s", ref))
	}

	credit := new(big.Int).Mul(amount, m.creditsPerUnit)
	credit.Mul(credit, m.scale)
	if new(big.Int).Add(m.totalSupply, credit).Cmp(m.maxSupply) > 0 {
		return nil, newLedgerError(KindExecutionReverted, "submit_settlement", fmt.Errorf("max supply exceeded"))
	}

	txHash := crypto.Keccak256Hash([]byte("settle"), key.Bytes()).Hex()
	block := m.mine()
	m.processed[key] = txHash

	u, ok := m.users[strings.ToLower(user)]
	if !ok {
		u = &types.UserCredits{TotalPaid: new(big.Int), TotalCredited: new(big.Int)}
		m.users[strings.ToLower(user)] = u
	}
	u.TotalPaid.Add(u.TotalPaid, amount)
	u.TotalCredited.Add(u.TotalCredited, credit)

	m.totalSupply.Add(m.totalSupply, credit)
	m.totalPaid.Add(m.totalPaid, amount)
	m.totalPayments++

	return &types.SettlementReceipt{
		TxHash:       txHash,
		BlockNumber:  block,
		CreditAmount: credit,
	}, nil
}

func pow10(n int) *big.Int {
	if n <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
