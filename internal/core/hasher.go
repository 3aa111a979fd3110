package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PredictCore:genesis:v1"

// StateHasher chains the state hashes of one market.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher seeds the chain with SHA-256(GenesisHashSeed || ":" || marketID).
func NewStateHasher(marketID string) *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed + ":" + marketID))}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence uint64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
