// Package hash implements the keccak256 commitments the relayer anchors on the
// ledger: the claim merkle root and the epoch state hash.
package hash

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

type Hash [32]byte

var Zero Hash

var ErrEmptyLeaves = errors.New("leaves must not be empty")

func Keccak256(data ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// Hex renders the hash as lowercase 0x-prefixed hex.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

func Parse(s string) (Hash, error) {
	var h Hash
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(raw) != 64 {
		return h, fmt.Errorf("hash %q must be 32 bytes", s)
	}
	if _, err := hex.Decode(h[:], []byte(raw)); err != nil {
		return h, fmt.Errorf("hash %q is not hex: %w", s, err)
	}
	return h, nil
}

// UniqueSorted parses, deduplicates and sorts hashes ascending.
func UniqueSorted(hashes []string) ([]Hash, error) {
	seen := make(map[Hash]struct{}, len(hashes))
	out := make([]Hash, 0, len(hashes))
	for _, s := range hashes {
		h, err := Parse(s)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func assertStrictlySorted(leaves []Hash) error {
	for i := 1; i < len(leaves); i++ {
		if !leaves[i-1].Less(leaves[i]) {
			return fmt.Errorf("leaves must be strictly sorted ascending (index %d)", i)
		}
	}
	return nil
}

// pair hashes two nodes with the smaller one first so the result does not
// depend on operand order.
func pair(a, b Hash) Hash {
	if b.Less(a) {
		a, b = b, a
	}
	return Keccak256(a[:], b[:])
}

func nextLayer(layer []Hash) []Hash {
	next := make([]Hash, 0, (len(layer)+1)/2)
	for i := 0; i < len(layer); i += 2 {
		right := layer[i]
		if i+1 < len(layer) {
			right = layer[i+1]
		}
		next = append(next, pair(layer[i], right))
	}
	return next
}

// MerkleRoot computes the root over strictly sorted leaves. An odd node at
// the end of a layer is paired with itself.
func MerkleRoot(ordered []Hash) (Hash, error) {
	if len(ordered) == 0 {
		return Zero, ErrEmptyLeaves
	}
	if err := assertStrictlySorted(ordered); err != nil {
		return Zero, err
	}
	layer := append([]Hash(nil), ordered...)
	for len(layer) > 1 {
		layer = nextLayer(layer)
	}
	return layer[0], nil
}

// MerkleProof returns the sibling path for leaf.
func MerkleProof(ordered []Hash, leaf Hash) ([]Hash, error) {
	if len(ordered) == 0 {
		return nil, ErrEmptyLeaves
	}
	if err := assertStrictlySorted(ordered); err != nil {
		return nil, err
	}
	idx := -1
	for i, h := range ordered {
		if h == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("leaf %s not found", leaf.Hex())
	}

	var proof []Hash
	layer := append([]Hash(nil), ordered...)
	for len(layer) > 1 {
		sibling := idx ^ 1
		if sibling >= len(layer) {
			sibling = idx
		}
		proof = append(proof, layer[sibling])
		layer = nextLayer(layer)
		idx /= 2
	}
	return proof, nil
}

func VerifyProof(root, leaf Hash, proof []Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = pair(node, sibling)
	}
	return node == root
}

// EpochStateHash is keccak256(abi.encode(uint64 epochId, bytes32 merkleRoot))
// over the unique sorted claim hashes, so claim arrival order never matters.
func EpochStateHash(epochID uint64, claimHashes []string) (Hash, []Hash, error) {
	ordered, err := UniqueSorted(claimHashes)
	if err != nil {
		return Zero, nil, err
	}
	root, err := MerkleRoot(ordered)
	if err != nil {
		return Zero, nil, err
	}
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], epochID)
	return Keccak256(word[:], root[:]), ordered, nil
}
