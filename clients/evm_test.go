package clients

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/pay402/types"
)

var (
	testFacilitator = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken       = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testUSDC        = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	testReceiver    = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// fakeBackend serves canned chain state and contract reads.
type fakeBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	txs      map[common.Hash]*ethtypes.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*ethtypes.Receipt
	head     *ethtypes.Header

	// method name -> output values
	reads map[string][]interface{}

	estimateErr error
	sent        []*ethtypes.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(31337),
		txs:      make(map[common.Hash]*ethtypes.Transaction),
		pending:  make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
		head:     &ethtypes.Header{Number: big.NewInt(120), Time: 1_700_000_000},
		reads:    make(map[string][]interface{}),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[hash], nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, number *big.Int) (*ethtypes.Header, error) {
	if number == nil {
		return f.head, nil
	}
	return &ethtypes.Header{Number: number, Time: f.head.Time - (f.head.Number.Uint64()-number.Uint64())*2}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	parsed := tokenABI
	if *msg.To == testFacilitator {
		parsed = facilitatorABI
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	values, ok := f.reads[method.Name]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return method.Outputs.Pack(values...)
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.receipts[tx.Hash()] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(121),
	}
	return nil
}

func (f *fakeBackend) Close() {}

// addTransfer signs a USDC transfer and mines it at block.
func (f *fakeBackend) addTransfer(t *testing.T, amount *big.Int, block int64) common.Hash {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	erc20Transfer := abi.NewMethod("transfer", "transfer", abi.Function, "nonpayable", false, false,
		abi.Arguments{{Name: "to", Type: mustType(t, "address")}, {Name: "value", Type: mustType(t, "uint256")}}, nil)
	data, err := erc20Transfer.Inputs.Pack(testReceiver, amount)
	require.NoError(t, err)
	data = append(erc20Transfer.ID, data...)

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{Nonce: 1, To: &testUSDC, Gas: 60_000, GasPrice: big.NewInt(1), Data: data, Value: big.NewInt(0)})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(f.chainID), key)
	require.NoError(t, err)

	from := crypto.PubkeyToAddress(key.PublicKey)
	f.txs[signed.Hash()] = signed
	f.receipts[signed.Hash()] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      signed.Hash(),
		BlockNumber: big.NewInt(block),
		Logs: []*ethtypes.Log{
			{
				Address: testUSDC,
				Topics: []common.Hash{
					transferTopic,
					common.BytesToHash(from.Bytes()),
					common.BytesToHash(testReceiver.Bytes()),
				},
				Data: common.LeftPadBytes(amount.Bytes(), 32),
			},
			// unrelated log with a different signature
			{Address: testToken, Topics: []common.Hash{crypto.Keccak256Hash([]byte("Other()"))}},
		},
	}
	return signed.Hash()
}

func mustType(t *testing.T, name string) abi.Type {
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}

func newTestEVMClient(t *testing.T, backend *fakeBackend, signer string) *EVMClient {
	t.Helper()
	client, err := newEVMClient(context.Background(), backend, EVMConfig{
		Network:            types.NetworkLocal,
		FacilitatorAddress: testFacilitator.Hex(),
		TokenAddress:       testToken.Hex(),
		SignerKey:          signer,
		PollInterval:       time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestNewEVMClientRejectsWrongChain(t *testing.T) {
	backend := newFakeBackend()
	_, err := newEVMClient(context.Background(), backend, EVMConfig{
		Network:            types.NetworkBase,
		FacilitatorAddress: testFacilitator.Hex(),
		TokenAddress:       testToken.Hex(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects 8453")
}

func TestEVMClientReadsTransfer(t *testing.T) {
	backend := newFakeBackend()
	client := newTestEVMClient(t, backend, "")
	ctx := context.Background()

	amount := big.NewInt(1_000_000)
	hash := backend.addTransfer(t, amount, 100)

	tx, err := client.GetTransaction(ctx, hash.Hex())
	require.NoError(t, err)
	require.NotNil(t, tx.BlockNumber)
	assert.Equal(t, uint64(100), *tx.BlockNumber)
	assert.Equal(t, testUSDC.Hex(), tx.To)
	assert.NotEmpty(t, tx.From)

	receipt, err := client.GetReceipt(ctx, hash.Hex())
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded)
	require.Len(t, receipt.Transfers, 1)
	assert.Equal(t, testUSDC.Hex(), receipt.Transfers[0].Asset)
	assert.Equal(t, testReceiver.Hex(), receipt.Transfers[0].To)
	assert.Equal(t, tx.From, receipt.Transfers[0].From)
	assert.Equal(t, 0, amount.Cmp(receipt.Transfers[0].Amount))

	block, err := client.GetBlock(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), block.Number)
}

func TestEVMClientPendingTransaction(t *testing.T) {
	backend := newFakeBackend()
	client := newTestEVMClient(t, backend, "")

	hash := backend.addTransfer(t, big.NewInt(5), 100)
	backend.pending[hash] = true

	tx, err := client.GetTransaction(context.Background(), hash.Hex())
	require.NoError(t, err)
	assert.True(t, tx.Pending())
}

func TestEVMClientUnrecoverableSender(t *testing.T) {
	backend := newFakeBackend()
	client := newTestEVMClient(t, backend, "")

	unsigned := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID: backend.chainID, Nonce: 2, To: &testUSDC, Gas: 60_000,
		GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2), Value: big.NewInt(0),
	})
	backend.txs[unsigned.Hash()] = unsigned
	backend.receipts[unsigned.Hash()] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      unsigned.Hash(),
		BlockNumber: big.NewInt(100),
	}

	tx, err := client.GetTransaction(context.Background(), unsigned.Hash().Hex())
	require.NoError(t, err)
	assert.Empty(t, tx.From)
	assert.Equal(t, testUSDC.Hex(), tx.To)
	require.NotNil(t, tx.BlockNumber)
	assert.Equal(t, uint64(100), *tx.BlockNumber)
}

func TestEVMClientNotFound(t *testing.T) {
	client := newTestEVMClient(t, newFakeBackend(), "")

	_, err := client.GetTransaction(context.Background(), common.HexToHash("0xdead").Hex())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var le *LedgerError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, KindNotFound, le.Kind)
}

func TestEVMClientGlobalStats(t *testing.T) {
	backend := newFakeBackend()
	backend.reads["totalSupply"] = []interface{}{big.NewInt(500)}
	backend.reads["MAX_SUPPLY"] = []interface{}{big.NewInt(1000)}
	backend.reads["remainingSupply"] = []interface{}{big.NewInt(500)}
	backend.reads["totalMintedViaX402"] = []interface{}{big.NewInt(400)}
	backend.reads["TOKENS_PER_USDC"] = []interface{}{big.NewInt(10000)}
	backend.reads["getGlobalStats"] = []interface{}{big.NewInt(42), big.NewInt(3), big.NewInt(42)}
	client := newTestEVMClient(t, backend, "")

	stats, err := client.GetGlobalCreditStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "500", stats.TotalSupply.String())
	assert.Equal(t, "1000", stats.MaxSupply.String())
	assert.Equal(t, "400", stats.TotalIssued.String())
	assert.Equal(t, "10000", stats.CreditsPerUnit.String())
	assert.Equal(t, "42", stats.TotalPaid.String())
	assert.Equal(t, "3", stats.TotalPayments.String())
}

func TestEVMClientGlobalStatsPropagatesFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.reads["totalSupply"] = []interface{}{big.NewInt(500)}
	client := newTestEVMClient(t, backend, "")

	_, err := client.GetGlobalCreditStats(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutionReverted))
}

func TestEVMClientUserCredits(t *testing.T) {
	backend := newFakeBackend()
	backend.reads["getUserStats"] = []interface{}{big.NewInt(1_000_000), big.NewInt(7)}
	client := newTestEVMClient(t, backend, "")

	credits, err := client.GetUserCredits(context.Background(), testReceiver.Hex())
	require.NoError(t, err)
	assert.Equal(t, "1000000", credits.TotalPaid.String())
	assert.Equal(t, "7", credits.TotalCredited.String())
}

func TestEVMClientSubmitSettlement(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signerHex := common.Bytes2Hex(crypto.FromECDSA(key))

	ref := common.HexToHash("0xabc1").Hex()

	t.Run("writes processPayment", func(t *testing.T) {
		backend := newFakeBackend()
		backend.reads["isPaymentProcessed"] = []interface{}{false}
		backend.reads["getTokenAmount"] = []interface{}{big.NewInt(10_000)}
		client := newTestEVMClient(t, backend, signerHex)

		receipt, err := client.SubmitSettlement(context.Background(), testReceiver.Hex(), big.NewInt(1_000_000), ref)
		require.NoError(t, err)
		require.Len(t, backend.sent, 1)

		sent := backend.sent[0]
		assert.Equal(t, sent.Hash().Hex(), receipt.TxHash)
		assert.Equal(t, uint64(121), receipt.BlockNumber)
		assert.Equal(t, "10000", receipt.CreditAmount.String())
		assert.Equal(t, testFacilitator, *sent.To())
		assert.Equal(t, uint64(120_000), sent.Gas())

		method, err := facilitatorABI.MethodById(sent.Data()[:4])
		require.NoError(t, err)
		assert.Equal(t, "processPayment", method.Name)

		sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(backend.chainID), sent)
		require.NoError(t, err)
		assert.Equal(t, client.SignerAddress(), sender)
	})

	t.Run("already processed on chain", func(t *testing.T) {
		backend := newFakeBackend()
		backend.reads["isPaymentProcessed"] = []interface{}{true}
		client := newTestEVMClient(t, backend, signerHex)

		_, err := client.SubmitSettlement(context.Background(), testReceiver.Hex(), big.NewInt(1), ref)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAlreadySettled))
		assert.Empty(t, backend.sent)
	})

	t.Run("estimate reverts", func(t *testing.T) {
		backend := newFakeBackend()
		backend.reads["isPaymentProcessed"] = []interface{}{false}
		backend.estimateErr = errors.New("execution reverted: max supply")
		client := newTestEVMClient(t, backend, signerHex)

		_, err := client.SubmitSettlement(context.Background(), testReceiver.Hex(), big.NewInt(1), ref)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrExecutionReverted))
	})

	t.Run("read only client", func(t *testing.T) {
		client := newTestEVMClient(t, newFakeBackend(), "")
		_, err := client.SubmitSettlement(context.Background(), testReceiver.Hex(), big.NewInt(1), ref)
		assert.ErrorIs(t, err, ErrNoSigner)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{ethereum.NotFound, ErrNotFound},
		{errors.New("execution reverted"), ErrExecutionReverted},
		{errors.New("execution reverted: payment already processed"), ErrAlreadySettled},
		{context.DeadlineExceeded, ErrConnection},
		{errors.New("dial tcp: connection refused"), ErrConnection},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.ErrorIs(t, classify("op", tt.err), tt.want)
		})
	}
}
