package models

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TagFromString left-aligns s into a 32-byte tag, matching how fixed-size
// byte literals are laid out. Strings longer than 32 bytes are rejected.
func TagFromString(s string) (common.Hash, error) {
	var tag common.Hash
	if len(s) > common.HashLength {
		return tag, fmt.Errorf("%w: tag %q longer than %d bytes", ErrInvalidArgument, s, common.HashLength)
	}
	copy(tag[:], s)
	return tag, nil
}

// TagString is the inverse of TagFromString.
func TagString(tag common.Hash) string {
	return string(bytes.TrimRight(tag[:], "\x00"))
}

// ContractKey derives the policy key from keccak256(season ‖ region ‖ farmID),
// with season packed as two big-endian bytes.
func ContractKey(season uint16, region, farmID common.Hash) common.Hash {
	var s [2]byte
	binary.BigEndian.PutUint16(s[:], season)
	return crypto.Keccak256Hash(s[:], region[:], farmID[:])
}
