package utils

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/pay402/types"
)

const (
	testTx   = "0x9f2c1e5a7b3d4c6e8f0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60"
	testUser = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func TestValidateTransactionHash(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr bool
	}{
		{"valid", testTx, false},
		{"empty", "", true},
		{"no prefix", testTx[2:], true},
		{"short", "0x1234", true},
		{"non hex", "0x" + "zz" + testTx[4:], true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransactionHash(tt.hash)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress(testUser))
	assert.Error(t, ValidateAddress(""))
	assert.Error(t, ValidateAddress("70997970C51812dc3A010C7d01b50e0d17dc79C8"))
	assert.Error(t, ValidateAddress("0x1234"))
}

func TestAddressesEqual(t *testing.T) {
	assert.True(t, AddressesEqual(testUser, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"))
	assert.False(t, AddressesEqual(testUser, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"))
	assert.False(t, AddressesEqual("", ""))
}

func TestAtomicUnits(t *testing.T) {
	d := decimal.RequireFromString("1.2345678")
	assert.Equal(t, "1.234567", FloorToDecimals(d, 6).StringFixed(6))
	assert.Equal(t, big.NewInt(1234567), ToAtomicUnits(d, 6))

	wei, err := ParseAmountWithDecimals("0.1", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100000), wei)

	assert.Equal(t, "0.1", FormatAmountFromBigInt(big.NewInt(100000), 6))
	assert.Equal(t, "0", FormatAmountFromBigInt(nil, 6))

	_, err = ParseAmountWithDecimals("-1", 6)
	assert.Error(t, err)
}

func TestContentID(t *testing.T) {
	type quote struct {
		Credit int64  `json:"credit"`
		PayTo  string `json:"payTo"`
	}
	a, err := ContentID(quote{10000, testUser})
	require.NoError(t, err)
	b, err := ContentID(quote{10000, testUser})
	require.NoError(t, err)
	c, err := ContentID(quote{20000, testUser})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 66)
}

func TestReferenceKeyIgnoresCase(t *testing.T) {
	upper := "0x9F2C1E5A7B3D4C6E8F0A1B2C3D4E5F60718293A4B5C6D7E8F90A1B2C3D4E5F60"
	assert.Equal(t, ReferenceKey(testTx), ReferenceKey(upper))
}

func TestParseSettleRequest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req, err := ParseSettleRequest(testTx, []byte(`{"userAddress":"`+testUser+`","amount":10000}`))
		require.NoError(t, err)
		assert.Equal(t, testTx, req.TransactionReference)
		assert.Equal(t, int64(10000), req.CreditAmount)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := ParseSettleRequest("", []byte(`{"userAddress":"`+testUser+`","amount":10000}`))
		assert.True(t, types.IsCode(err, types.ErrMissingField))
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := ParseSettleRequest(testTx, []byte(`{"amount":10000}`))
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrMissingField))
		assert.Contains(t, err.Error(), "userAddress")
	})

	t.Run("zero amount", func(t *testing.T) {
		_, err := ParseSettleRequest(testTx, []byte(`{"userAddress":"`+testUser+`","amount":0}`))
		assert.True(t, types.IsCode(err, types.ErrInvalidAmount))
	})

	t.Run("bad json", func(t *testing.T) {
		_, err := ParseSettleRequest(testTx, []byte(`{`))
		assert.True(t, types.IsCode(err, types.ErrInvalidPayload))
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	t.Run("bad address", func(t *testing.T) {
		_, err := ParseSettleRequest(testTx, []byte(`{"userAddress":"bob","amount":5}`))
		assert.True(t, types.IsCode(err, types.ErrInvalidAddress))
	})
}
