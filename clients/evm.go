package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/pay402/types"
	"github.com/vitwit/pay402/utils"
)

// chainBackend is the subset of *ethclient.Client the gateway uses.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	Close()
}

var _ chainBackend = (*ethclient.Client)(nil)

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	RPCURL  string
	Network types.Network

	// Facilitator contract that records payments and mints.
	FacilitatorAddress string
	// Credit token contract.
	TokenAddress string

	// Hex private key of the settlement signer. Empty means read-only.
	SignerKey string

	// How often to poll for the settlement receipt. Defaults to 2s.
	PollInterval time.Duration
	// Added on top of the estimate. Defaults to 20%.
	GasHeadroomPercent uint64
}

// EVMClient is a Ledger backed by an EVM JSON-RPC endpoint.
type EVMClient struct {
	network     types.Network
	eth         chainBackend
	chainID     *big.Int
	facilitator common.Address
	token       common.Address
	signer      *ecdsa.PrivateKey

	pollInterval time.Duration
	gasHeadroom  uint64
}

var _ Ledger = (*EVMClient)(nil)

// NewEVMClient dials cfg.RPCURL and checks that the endpoint serves the
// configured network.
func NewEVMClient(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum rpc dial: %w", err)
	}

	client, err := newEVMClient(ctx, eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return client, nil
}

func newEVMClient(ctx context.Context, eth chainBackend, cfg EVMConfig) (*EVMClient, error) {
	if !common.IsHexAddress(cfg.FacilitatorAddress) {
		return nil, fmt.Errorf("invalid facilitator address %q", cfg.FacilitatorAddress)
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", cfg.TokenAddress)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, classify("chain_id", err)
	}
	if want := cfg.Network.ChainID(); want != nil && want.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("rpc serves chain %s, network %s expects %s", chainID, cfg.Network, want)
	}

	var signer *ecdsa.PrivateKey
	if cfg.SignerKey != "" {
		signer, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	headroom := cfg.GasHeadroomPercent
	if headroom == 0 {
		headroom = 20
	}

	return &EVMClient{
		network:      cfg.Network,
		eth:          eth,
		chainID:      chainID,
		facilitator:  common.HexToAddress(cfg.FacilitatorAddress),
		token:        common.HexToAddress(cfg.TokenAddress),
		signer:       signer,
		pollInterval: poll,
		gasHeadroom:  headroom,
	}, nil
}

func (c *EVMClient) GetNetwork() types.Network {
	return c.network
}

// SignerAddress returns the settlement signer, or the zero address when the
// client is read-only.
func (c *EVMClient) SignerAddress() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.signer.PublicKey)
}

func (c *EVMClient) Close() {
	c.eth.Close()
}

func (c *EVMClient) GetTransaction(ctx context.Context, ref string) (*types.LedgerTransaction, error) {
	hash := common.HexToHash(ref)

	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, classify("get_transaction", err)
	}

	out := &types.LedgerTransaction{
		Hash:  tx.Hash().Hex(),
		Value: tx.Value(),
	}
	// Unknown signature schemes leave From empty; the payer comes from the
	// Transfer event anyway.
	if from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		out.From = from.Hex()
	}
	if tx.To() != nil {
		out.To = tx.To().Hex()
	}
	if pending {
		return out, nil
	}

	// The transaction body carries no block number; the receipt does.
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return out, nil
	case err != nil:
		return nil, classify("get_transaction", err)
	}
	if receipt.BlockNumber != nil {
		n := receipt.BlockNumber.Uint64()
		out.BlockNumber = &n
	}
	return out, nil
}

func (c *EVMClient) GetReceipt(ctx context.Context, ref string) (*types.LedgerReceipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(ref))
	if err != nil {
		return nil, classify("get_receipt", err)
	}

	out := &types.LedgerReceipt{
		TxHash:    receipt.TxHash.Hex(),
		Succeeded: receipt.Status == ethtypes.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}

	for _, l := range receipt.Logs {
		event, ok := decodeTransfer(l)
		if ok {
			out.Transfers = append(out.Transfers, event)
		}
	}
	return out, nil
}

// decodeTransfer decodes an ERC-20 Transfer log. Anything else is skipped.
func decodeTransfer(l *ethtypes.Log) (types.TransferEvent, bool) {
	if l == nil || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
		return types.TransferEvent{}, false
	}

	values, err := erc20ABI.Unpack("Transfer", l.Data)
	if err != nil || len(values) != 1 {
		return types.TransferEvent{}, false
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return types.TransferEvent{}, false
	}

	return types.TransferEvent{
		Asset:  l.Address.Hex(),
		From:   common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:     common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		Amount: amount,
	}, true
}

func (c *EVMClient) GetBlock(ctx context.Context, number *big.Int) (*types.LedgerBlock, error) {
	header, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, classify("get_block", err)
	}
	return &types.LedgerBlock{
		Number:    header.Number.Uint64(),
		Timestamp: time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

func (c *EVMClient) GetUserCredits(ctx context.Context, user string) (*types.UserCredits, error) {
	out, err := c.call(ctx, c.facilitator, facilitatorABI, "getUserStats", common.HexToAddress(user))
	if err != nil {
		return nil, err
	}
	if len(out) != 2 {
		return nil, newLedgerError(KindConnection, "getUserStats", fmt.Errorf("unexpected output length %d", len(out)))
	}
	return &types.UserCredits{
		TotalPaid:     toBig(out[0]),
		TotalCredited: toBig(out[1]),
	}, nil
}

func (c *EVMClient) GetGlobalCreditStats(ctx context.Context) (*types.GlobalCreditStats, error) {
	stats := &types.GlobalCreditStats{}

	g, gctx := errgroup.WithContext(ctx)
	readToken := func(method string, dst **big.Int) {
		g.Go(func() error {
			out, err := c.call(gctx, c.token, tokenABI, method)
			if err != nil {
				return err
			}
			*dst = toBig(out[0])
			return nil
		})
	}

	readToken("totalSupply", &stats.TotalSupply)
	readToken("MAX_SUPPLY", &stats.MaxSupply)
	readToken("remainingSupply", &stats.RemainingSupply)
	readToken("totalMintedViaX402", &stats.TotalIssued)
	readToken("TOKENS_PER_USDC", &stats.CreditsPerUnit)

	g.Go(func() error {
		out, err := c.call(gctx, c.facilitator, facilitatorABI, "getGlobalStats")
		if err != nil {
			return err
		}
		if len(out) != 3 {
			return newLedgerError(KindConnection, "getGlobalStats", fmt.Errorf("unexpected output length %d", len(out)))
		}
		stats.TotalPaid = toBig(out[0])
		stats.TotalPayments = toBig(out[1])
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// SubmitSettlement calls processPayment on the facilitator and waits for the
// receipt. ctx bounds the whole write including the wait.
func (c *EVMClient) SubmitSettlement(ctx context.Context, user string, amount *big.Int, ref string) (*types.SettlementReceipt, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}

	key := utils.ReferenceKey(ref)

	out, err := c.call(ctx, c.facilitator, facilitatorABI, "isPaymentProcessed", key)
	if err != nil {
		return nil, err
	}
	if processed, _ := out[0].(bool); processed {
		return nil, newLedgerError(KindAlreadySettled, "submit_settlement", fmt.Errorf("reference %s", ref))
	}

	data, err := facilitatorABI.Pack("processPayment", common.HexToAddress(user), amount, key)
	if err != nil {
		return nil, fmt.Errorf("pack processPayment: %w", err)
	}

	from := c.SignerAddress()
	msg := ethereum.CallMsg{From: from, To: &c.facilitator, Data: data}

	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return nil, classify("estimate_gas", err)
	}
	gas += gas * c.gasHeadroom / 100

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("suggest_gas_price", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify("pending_nonce", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.facilitator,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.signer)
	if err != nil {
		return nil, fmt.Errorf("sign settlement tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, classify("send_transaction", err)
	}

	receipt, err := c.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, newLedgerError(KindExecutionReverted, "submit_settlement", fmt.Errorf("tx %s reverted", signed.Hash().Hex()))
	}

	result := &types.SettlementReceipt{
		TxHash:      signed.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}

	// CreditAmount stays nil if the read-back fails; the write itself succeeded.
	if out, err := c.call(ctx, c.token, tokenABI, "getTokenAmount", amount); err == nil {
		result.CreditAmount = toBig(out[0])
	}
	return result, nil
}

func (c *EVMClient) waitForReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, classify("wait_receipt", err)
		}

		select {
		case <-ctx.Done():
			return nil, newLedgerError(KindConnection, "wait_receipt", fmt.Errorf("tx %s: %w", hash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, classify(method, err)
	}

	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, newLedgerError(KindConnection, method, fmt.Errorf("unpack: %w", err))
	}
	if len(out) == 0 {
		return nil, newLedgerError(KindConnection, method, errors.New("empty output"))
	}
	return out, nil
}

func toBig(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b
	}
	return new(big.Int)
}
