package core

// vrf.go – verifiable random function used for proposer eligibility and
// evaluation-committee sortition.
//
// The construction is the deterministic-Ed25519 signature VRF: the proof is
// the signature over the domain-tagged seed, and the output is the SHA-256
// digest of the proof. Ed25519 signing is deterministic, so a keyholder can
// produce exactly one valid output per seed, and anyone holding the public
// key can verify both proof and output.

import (
	"crypto/ed25519"
	"math/big"
)

// VRFProve signs the domain-tagged seed and derives the random output.
func VRFProve(priv ed25519.PrivateKey, seed []byte) (proof []byte, output Hash) {
	msg := DigestWithDomain(DomainVRF, seed)
	proof = ed25519.Sign(priv, msg[:])
	output = DigestWithDomain(DomainVRF, proof)
	return proof, output
}

// VRFVerify checks the proof against the seed and public key and, on
// success, returns the output the prover committed to.
func VRFVerify(pub ed25519.PublicKey, seed, proof []byte) (Hash, bool) {
	if len(pub) != ed25519.PublicKeySize {
		return Hash{}, false
	}
	msg := DigestWithDomain(DomainVRF, seed)
	if !ed25519.Verify(pub, msg[:], proof) {
		return Hash{}, false
	}
	return DigestWithDomain(DomainVRF, proof), true
}

var vrfDenominator = new(big.Int).Lsh(big.NewInt(1), 256) // 2^256

// SortitionSelected reports whether a VRF output wins a stake-weighted
// lottery with `expected` winners: selected iff
//
//	output / 2^256  <  expected × stake / totalStake
//
// Pure integer arithmetic, so every node agrees on the outcome.
func SortitionSelected(output Hash, stake, totalStake uint64, expected uint32) bool {
	if stake == 0 || totalStake == 0 || expected == 0 {
		return false
	}
	// output × totalStake < expected × stake × 2^256
	lhs := new(big.Int).SetBytes(output[:])
	lhs.Mul(lhs, new(big.Int).SetUint64(totalStake))

	rhs := new(big.Int).SetUint64(stake)
	rhs.Mul(rhs, new(big.Int).SetUint64(uint64(expected)))
	rhs.Mul(rhs, vrfDenominator)

	return lhs.Cmp(rhs) < 0
}
