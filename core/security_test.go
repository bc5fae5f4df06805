package core

import (
	"bytes"
	"testing"
)

func TestDomainSeparation(t *testing.T) {
	payload := []byte("identical payload")
	if DigestWithDomain(DomainTx, payload) == DigestWithDomain(DomainBlock, payload) {
		t.Fatal("digests must differ across domains")
	}
	if DigestWithDomain(DomainTx, payload) != DigestWithDomain(DomainTx, payload) {
		t.Fatal("digest not deterministic")
	}
}

func TestMerkleRootProperties(t *testing.T) {
	leaves := []Hash{
		HashBytes([]byte("a")),
		HashBytes([]byte("b")),
		HashBytes([]byte("c")),
	}
	root := ComputeMerkleRoot(DomainTx, leaves)
	if root != ComputeMerkleRoot(DomainTx, leaves) {
		t.Fatal("merkle root not deterministic")
	}

	swapped := []Hash{leaves[1], leaves[0], leaves[2]}
	if ComputeMerkleRoot(DomainTx, swapped) == root {
		t.Fatal("leaf order must matter")
	}
	if ComputeMerkleRoot(DomainTx, nil).IsZero() {
		t.Fatal("empty tree must still commit to something")
	}
}

func TestMerkleInclusionProofs(t *testing.T) {
	var leaves []Hash
	for i := 0; i < 7; i++ { // odd count exercises the duplication rule
		leaves = append(leaves, HashBytes([]byte{byte(i)}))
	}
	root := ComputeMerkleRoot(DomainState, leaves)

	for i, leaf := range leaves {
		proof := MerkleProofFor(DomainState, leaves, i)
		if !VerifyMerkleProof(DomainState, leaf, proof, root) {
			t.Fatalf("proof for leaf %d rejected", i)
		}
	}
	proof := MerkleProofFor(DomainState, leaves, 2)
	if VerifyMerkleProof(DomainState, leaves[3], proof, root) {
		t.Fatal("proof verified for the wrong leaf")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	plain := []byte("model weights, confidential")

	blob, err := EncryptPayload(key, plain)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecryptPayload(key, blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, plain) {
		t.Fatal("round trip mismatch")
	}

	wrong := bytes.Repeat([]byte{8}, 32)
	if _, err := DecryptPayload(wrong, blob); err == nil {
		t.Fatal("wrong key decrypted")
	}
}

func TestBLSAggregate(t *testing.T) {
	msg := []byte("aggregate me")
	k1, k2 := GenerateBLSKey(), GenerateBLSKey()
	s1, s2 := k1.Sign(msg), k2.Sign(msg)

	if !VerifyBLS(k1.Pub, msg, s1) || !VerifyBLS(k2.Pub, msg, s2) {
		t.Fatal("individual signatures invalid")
	}
	agg, err := AggregateBLS([][]byte{s1, s2})
	if err != nil {
		t.Fatal(err)
	}
	if len(agg) == 0 {
		t.Fatal("empty aggregate")
	}
	if VerifyBLS(k1.Pub, msg, agg) {
		t.Fatal("aggregate must not verify under a single key")
	}
}

func TestTransactionSignRoundTrip(t *testing.T) {
	a := newActor(t)
	tx, err := NewTransferTx(Address{3}, 10, 1, 0, 42)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Sign(a.key); err != nil {
		t.Fatal(err)
	}
	if err := tx.VerifySig(); err != nil {
		t.Fatalf("VerifySig: %v", err)
	}

	tx.Value = 11 // any field change invalidates the signature
	if err := tx.VerifySig(); err == nil {
		t.Fatal("tampered transaction verified")
	}
}
