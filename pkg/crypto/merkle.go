package crypto

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Merkle trees here commit a relayer_set_root over a flat list of
// addresses per spec.md §3/§4.5(b): the set of relayers a session
// permit authorizes to submit trades on the trader's behalf. Pairs are
// hashed in sorted order (OpenZeppelin's MerkleProof convention) so a
// proof needs no left/right direction bits.

func merkleLeaf(addr common.Address) [32]byte {
	return [32]byte(crypto.Keccak256Hash(common.LeftPadBytes(addr.Bytes(), 32)))
}

func hashNode(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return [32]byte(crypto.Keccak256Hash(buf))
}

// merkleLevel builds one level up from the given nodes, duplicating the
// last node when the level has an odd count.
func merkleLevel(nodes [][32]byte) [][32]byte {
	if len(nodes)%2 == 1 {
		nodes = append(nodes, nodes[len(nodes)-1])
	}
	next := make([][32]byte, 0, len(nodes)/2)
	for i := 0; i < len(nodes); i += 2 {
		next = append(next, hashNode(nodes[i], nodes[i+1]))
	}
	return next
}

// MerkleRoot commits addrs into a single root. An empty set roots to
// the zero hash, which VerifyMerkleProof never accepts as a match.
func MerkleRoot(addrs []common.Address) [32]byte {
	if len(addrs) == 0 {
		return [32]byte{}
	}
	level := make([][32]byte, len(addrs))
	for i, a := range addrs {
		level[i] = merkleLeaf(a)
	}
	for len(level) > 1 {
		level = merkleLevel(level)
	}
	return level[0]
}

// MerkleProof returns the sibling hashes needed to walk addrs[index] up
// to MerkleRoot(addrs).
func MerkleProof(addrs []common.Address, index int) [][32]byte {
	if index < 0 || index >= len(addrs) {
		return nil
	}
	level := make([][32]byte, len(addrs))
	for i, a := range addrs {
		level[i] = merkleLeaf(a)
	}
	var proof [][32]byte
	idx := index
	for len(level) > 1 {
		padded := level
		if len(padded)%2 == 1 {
			padded = append(append([][32]byte{}, padded...), padded[len(padded)-1])
		}
		sibling := idx ^ 1
		proof = append(proof, padded[sibling])
		level = merkleLevel(level)
		idx /= 2
	}
	return proof
}

// VerifyMerkleProof reports whether leaf, combined with proof, folds up
// to root.
func VerifyMerkleProof(root [32]byte, leaf common.Address, proof [][32]byte) bool {
	if root == ([32]byte{}) {
		return false
	}
	node := merkleLeaf(leaf)
	for _, sibling := range proof {
		node = hashNode(node, sibling)
	}
	return node == root
}
