package utils

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ContentID returns keccak256 of the JSON encoding of v as a 0x hex string.
// Equal values produce equal ids.
func ContentID(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode for id: %w", err)
	}
	return crypto.Keccak256Hash(data).Hex(), nil
}

// ReferenceKey derives the bytes32 key the facilitator contract stores for a
// payment reference: keccak256 of its UTF-8 text.
func ReferenceKey(ref string) common.Hash {
	return crypto.Keccak256Hash([]byte(NormalizeReference(ref)))
}
