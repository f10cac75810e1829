package ledger

import (
	"crypto/sha256"
	"encoding/hex"
)

// MerkleRoot folds the event hashes of the spine into a single checkpoint
// digest. Two spines with the same root hold byte-identical event hashes in
// the same order, so operators can compare replicas with one value. An odd
// node at any level is paired with itself.
func MerkleRoot(events []*Event) string {
	if len(events) == 0 {
		return ""
	}

	level := make([]string, len(events))
	for i, e := range events {
		level[i] = e.EventHash
	}

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		level = next
	}
	return level[0]
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}
