package ingest

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	prefixEvent      = "ingest:event:"
	prefixCheckpoint = "ingest:checkpoint:"
)

func eventKey(k EventKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixEvent, k.TxHash.Hex(), k.LogIndex))
}

func checkpointKey(contract common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixCheckpoint, contract.Hex()))
}
