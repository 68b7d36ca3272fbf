package market

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// deriveMarketIDKeccak hashes symbol || creator || createdAt into a
// bytes32 market identifier, the same keccak256 primitive used for
// EIP-712 struct hashing elsewhere in the stack.
func deriveMarketIDKeccak(symbol string, creator common.Address, createdAt int64) [32]byte {
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(createdAt))
	data := append([]byte(symbol), creator.Bytes()...)
	data = append(data, tsBuf[:]...)
	return crypto.Keccak256Hash(data)
}
