package dispatch

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema, following the prefix-per-entity convention used by
// the vault and ingest stores.
const (
	prefixSigner     = "dispatch:signer:"
	prefixSubmission = "dispatch:sub:"
)

func signerKey(k SignerKey) []byte {
	return []byte(fmt.Sprintf("%s%d:%s", prefixSigner, k.ChainID, k.Address.Hex()))
}

func signerPrefix() []byte {
	return []byte(prefixSigner)
}

// submissionKey is zero-padded on the nonce so a prefix scan over one
// signer's submissions yields ascending nonce order.
func submissionKey(k SubmissionKey) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:%020d", prefixSubmission, k.ChainID, k.Signer.Hex(), k.Nonce))
}

func submissionPrefix(addr common.Address, chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:", prefixSubmission, chainID, addr.Hex()))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
