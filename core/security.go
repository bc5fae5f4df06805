package core

// Package core – shared security primitives for the BCAI stack.
//
// Exposes:
//   - content hashing      – BLAKE2b-256 for chunk content (HashBytes).
//   - consensus digests    – SHA-256 with mandatory domain separation tags.
//   - Sign / Verify        – Ed25519 (VRF keys) + BLS12-381 (validators).
//   - BLS aggregation      – committee multi-sig helpers.
//   - XChaCha20-Poly1305   – authenticated payload encryption.
//   - ComputeMerkleRoot    – pairwise SHA-256 Merkle tree.
//
// All crypto comes from the Go std-lib, x/crypto, or herumi BLS.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

//---------------------------------------------------------------------
// Package-level init – BLS curve setup
//---------------------------------------------------------------------

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("bls init: %w", err))
	}
}

//---------------------------------------------------------------------
// Domain separation tags
//---------------------------------------------------------------------

// Every signable or hashable consensus structure carries one of these tags
// so a digest from one protocol can never be replayed in another.
const (
	DomainTx     = "bcai/tx/v1"
	DomainBlock  = "bcai/block/v1"
	DomainEval   = "bcai/eval/v1"
	DomainCommit = "bcai/commit/v1"
	DomainTask   = "bcai/task/v1"
	DomainProof  = "bcai/pouw/v1"
	DomainVRF     = "bcai/vrf/v1"
	DomainState   = "bcai/state/v1"
	DomainContent = "bcai/content/v1"
)

//---------------------------------------------------------------------
// Hashing
//---------------------------------------------------------------------

// HashBytes returns the BLAKE2b-256 digest of data. This is the content
// hash used for chunks and descriptor roots.
func HashBytes(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// DigestWithDomain computes SHA-256 over the domain tag followed by each
// part in order. All consensus digests go through here.
func DigestWithDomain(tag string, parts ...[]byte) Hash {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeMerkleRoot builds a pairwise SHA-256 Merkle tree over the leaves.
// Odd levels duplicate the trailing leaf. An empty leaf set hashes to the
// zero-domain digest so an empty block still commits to something.
func ComputeMerkleRoot(tag string, leaves []Hash) Hash {
	if len(leaves) == 0 {
		return DigestWithDomain(tag)
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		buf := make([]byte, 32)
		copy(buf, l[:])
		level[i] = buf
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			d := DigestWithDomain(tag, level[i], level[i+1])
			next = append(next, d[:])
		}
		level = next
	}
	var root Hash
	copy(root[:], level[0])
	return root
}

// MerkleStep is one level of an inclusion proof: the sibling digest and
// which side it sits on.
type MerkleStep struct {
	Right bool `json:"right"`
	Hash  Hash `json:"hash"`
}

// MerkleProofFor builds the inclusion proof for leaves[index], using the
// same odd-level duplication rule as ComputeMerkleRoot.
func MerkleProofFor(tag string, leaves []Hash, index int) []MerkleStep {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	level := append([]Hash(nil), leaves...)
	var proof []MerkleStep
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sib := index ^ 1
		proof = append(proof, MerkleStep{Right: sib > index, Hash: level[sib]})
		next := make([]Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, DigestWithDomain(tag, level[i][:], level[i+1][:]))
		}
		level = next
		index /= 2
	}
	return proof
}

// VerifyMerkleProof replays the proof from a leaf up to the claimed root.
func VerifyMerkleProof(tag string, leaf Hash, proof []MerkleStep, root Hash) bool {
	cur := leaf
	for _, step := range proof {
		if step.Right {
			cur = DigestWithDomain(tag, cur[:], step.Hash[:])
		} else {
			cur = DigestWithDomain(tag, step.Hash[:], cur[:])
		}
	}
	return cur == root
}

//---------------------------------------------------------------------
// Hash / Address helpers
//---------------------------------------------------------------------

func (h Hash) Hex() string   { return hex.EncodeToString(h[:]) }
func (h Hash) Bytes() []byte { return h[:] }
func (h Hash) IsZero() bool  { return h == Hash{} }

// Short returns the first four bytes, for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// HashFromHex parses a 64-character hex string.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash length %d, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

func (a Address) Hex() string  { return hex.EncodeToString(a[:]) }
func (a Address) IsZero() bool { return a == Address{} }

// AddressFromHex parses a 40-character hex string.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("address length %d, want %d", len(b), len(a))
	}
	copy(a[:], b)
	return a, nil
}

//---------------------------------------------------------------------
// Ed25519 – VRF key family
//---------------------------------------------------------------------

// GenerateVRFKey returns a fresh Ed25519 keypair for VRF duty.
func GenerateVRFKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SignEd25519 signs msg with an Ed25519 private key.
func SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// VerifyEd25519 reports whether sig is valid for msg under pub.
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

//---------------------------------------------------------------------
// BLS12-381 – validator evaluation signatures
//---------------------------------------------------------------------

// BLSKey wraps a herumi secret key with its serialized public key.
type BLSKey struct {
	secret *bls.SecretKey
	Pub    []byte
}

// GenerateBLSKey creates a validator signing key.
func GenerateBLSKey() *BLSKey {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return &BLSKey{secret: &sk, Pub: sk.GetPublicKey().Serialize()}
}

// SecretBytes serializes the secret key for at-rest storage.
func (k *BLSKey) SecretBytes() []byte { return k.secret.Serialize() }

// BLSKeyFromBytes restores a key saved with SecretBytes.
func BLSKeyFromBytes(secret []byte) (*BLSKey, error) {
	var sk bls.SecretKey
	if err := sk.Deserialize(secret); err != nil {
		return nil, err
	}
	return &BLSKey{secret: &sk, Pub: sk.GetPublicKey().Serialize()}, nil
}

// Sign produces a serialized BLS signature over msg.
func (k *BLSKey) Sign(msg []byte) []byte {
	return k.secret.SignByte(msg).Serialize()
}

// VerifyBLS checks a serialized signature against a serialized public key.
func VerifyBLS(pub, msg, sig []byte) bool {
	var p bls.PublicKey
	if err := p.Deserialize(pub); err != nil {
		return false
	}
	var s bls.Sign
	if err := s.Deserialize(sig); err != nil {
		return false
	}
	return s.VerifyByte(&p, msg)
}

// AggregateBLS folds many serialized signatures into one.
func AggregateBLS(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}
	var agg bls.Sign
	if err := agg.Deserialize(sigs[0]); err != nil {
		return nil, err
	}
	for _, raw := range sigs[1:] {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, err
		}
		agg.Add(&s)
	}
	return agg.Serialize(), nil
}

//---------------------------------------------------------------------
// XChaCha20-Poly1305 payload encryption
//---------------------------------------------------------------------

// EncryptPayload seals data under key, returning nonce-prefixed ciphertext.
// Descriptors carry the nonce in their encryption metadata; the prefix here
// makes standalone blobs self-describing.
func EncryptPayload(key, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, data, nil)...), nil
}

// DecryptPayload reverses EncryptPayload.
func DecryptPayload(key, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}
