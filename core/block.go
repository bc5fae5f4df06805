package core

// block.go – header digests, producer signatures and the commitment roots
// a block carries.

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// signingBytes serializes every header field that the producer signs.
func (bh *BlockHeader) signingBytes() []byte {
	var buf []byte
	buf = append(buf, u64be(bh.Height)...)
	buf = append(buf, bh.ParentHash[:]...)
	buf = append(buf, u64be(bh.Timestamp)...)
	buf = append(buf, bh.TxRoot[:]...)
	buf = append(buf, bh.StateRoot[:]...)
	buf = append(buf, bh.TaskID[:]...)
	buf = append(buf, bh.Solution.Output[:]...)
	buf = append(buf, u64be(bh.Solution.Nonce)...)
	buf = append(buf, bh.Solution.Proof[:]...)
	buf = append(buf, bh.EvalRoot[:]...)
	if bh.Target != nil {
		buf = append(buf, bh.Target.Bytes()...)
	}
	buf = append(buf, bh.Producer[:]...)
	buf = append(buf, bh.VRFProof...)
	return buf
}

// SigningDigest is what the producer signs.
func (bh *BlockHeader) SigningDigest() Hash {
	return DigestWithDomain(DomainBlock, bh.signingBytes())
}

// HashHeader identifies the block: the signing digest plus the signature.
func (bh *BlockHeader) HashHeader() Hash {
	d := bh.SigningDigest()
	return DigestWithDomain(DomainBlock, d[:], bh.Sig)
}

// Hash of the whole block is its header hash.
func (b *Block) Hash() Hash { return b.Header.HashHeader() }

// SignHeader signs the header with the producer's account key.
func (bh *BlockHeader) SignHeader(priv *ecdsa.PrivateKey) error {
	bh.Producer = PubkeyToAddress(priv.PublicKey)
	d := bh.SigningDigest()
	sig, err := crypto.Sign(d[:], priv)
	if err != nil {
		return err
	}
	bh.Sig = sig
	return nil
}

// VerifyHeaderSig recovers the signer and checks it is the declared
// producer.
func (bh *BlockHeader) VerifyHeaderSig() error {
	if len(bh.Sig) != 65 {
		return fmt.Errorf("%w: malformed block sig", ErrBadSignature)
	}
	d := bh.SigningDigest()
	pub, err := crypto.SigToPub(d[:], bh.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), d[:], bh.Sig[:64]) {
		return fmt.Errorf("%w: block signature", ErrBadSignature)
	}
	if PubkeyToAddress(*pub) != bh.Producer {
		return fmt.Errorf("%w: producer mismatch", ErrBadSignature)
	}
	return nil
}

// ComputeTxRoot builds the Merkle root over the ordered transaction hashes.
func ComputeTxRoot(txs []*Transaction) Hash {
	leaves := make([]Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.HashTx()
	}
	return ComputeMerkleRoot(DomainTx, leaves)
}

// ComputeEvalRoot builds the Merkle root over this height's evaluation
// commitment hashes, in block order.
func ComputeEvalRoot(commitments []Hash) Hash {
	return ComputeMerkleRoot(DomainCommit, commitments)
}

// evalCommitmentsIn extracts the commitment hashes carried by a block's
// EvaluationCommitment transactions, in block order.
func evalCommitmentsIn(txs []*Transaction) ([]Hash, error) {
	var out []Hash
	for _, tx := range txs {
		if tx.Type != TxEvalCommit {
			continue
		}
		var body EvalCommitBody
		if err := tx.DecodePayload(&body); err != nil {
			return nil, fmt.Errorf("eval commit payload: %w", err)
		}
		out = append(out, body.Commitment)
	}
	return out, nil
}
