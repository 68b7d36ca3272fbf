package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema, extending the prefix-per-entity / lexicographic
// range-scan convention used throughout this stack.
const (
	prefixAccount      = "vault:acc:"
	prefixInsurance    = "vault:insurance"
	prefixBridgeCredit = "vault:bridge:"
)

func accountKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixAccount, addr.Hex()))
}

func insuranceKey() []byte {
	return []byte(prefixInsurance)
}

// bridgeCreditKey is keyed by trader and tx hash; CreditFromBridge checks
// for this key before crediting, so a replayed bridge event is skipped.
func bridgeCreditKey(addr common.Address, txHash [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%s:%x", prefixBridgeCredit, addr.Hex(), txHash))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
