package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testRelayerSet() []common.Address {
	return []common.Address{
		common.HexToAddress("0x1"),
		common.HexToAddress("0x2"),
		common.HexToAddress("0x3"),
	}
}

func TestMerkleProofVerifiesEveryMember(t *testing.T) {
	set := testRelayerSet()
	root := MerkleRoot(set)

	for i, addr := range set {
		proof := MerkleProof(set, i)
		if !VerifyMerkleProof(root, addr, proof) {
			t.Errorf("member %d (%s) failed to verify against the root", i, addr.Hex())
		}
	}
}

func TestMerkleProofRejectsNonMember(t *testing.T) {
	set := testRelayerSet()
	root := MerkleRoot(set)
	proof := MerkleProof(set, 0)

	outsider := common.HexToAddress("0x99")
	if VerifyMerkleProof(root, outsider, proof) {
		t.Error("a non-member address should not verify against another member's proof")
	}
}

func TestMerkleRootStableUnderOddSetSize(t *testing.T) {
	set := testRelayerSet() // 3 members, exercises the duplicate-last-node padding
	root1 := MerkleRoot(set)
	root2 := MerkleRoot(set)
	if root1 != root2 {
		t.Error("MerkleRoot should be deterministic for the same input set")
	}
	for i := range set {
		if !VerifyMerkleProof(root1, set[i], MerkleProof(set, i)) {
			t.Errorf("member %d failed to verify on an odd-sized set", i)
		}
	}
}

func TestMerkleRootEmptySetNeverVerifies(t *testing.T) {
	root := MerkleRoot(nil)
	if VerifyMerkleProof(root, common.HexToAddress("0x1"), nil) {
		t.Error("the zero root from an empty relayer set must never verify")
	}
}
