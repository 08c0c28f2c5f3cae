package clients

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Facilitator contract: records payments and mints credits.
const facilitatorABIJSON = `[
	{"inputs":[{"name":"user","type":"address"},{"name":"usdcAmount","type":"uint256"},{"name":"paymentTxHash","type":"bytes32"}],
	 "name":"processPayment","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"paymentTxHash","type":"bytes32"}],
	 "name":"isPaymentProcessed","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"user","type":"address"}],
	 "name":"getUserStats","outputs":[{"name":"totalPaid","type":"uint256"},{"name":"totalMinted","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],
	 "name":"getGlobalStats","outputs":[{"name":"totalUSDC","type":"uint256"},{"name":"totalPayments","type":"uint256"},{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Credit token contract.
const tokenABIJSON = `[
	{"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"MAX_SUPPLY","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"remainingSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalMintedViaX402","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"TOKENS_PER_USDC","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"usdcAmount","type":"uint256"}],
	 "name":"getTokenAmount","outputs":[{"name":"","type":"uint256"}],"stateMutability":"pure","type":"function"}
]`

// Only the Transfer event is needed from the settlement asset.
const erc20ABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	 "name":"Transfer","type":"event"}
]`

var (
	facilitatorABI = mustParseABI(facilitatorABIJSON)
	tokenABI       = mustParseABI(tokenABIJSON)
	erc20ABI       = mustParseABI(erc20ABIJSON)

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("clients: invalid abi: " + err.Error())
	}
	return parsed
}
