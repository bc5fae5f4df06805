package core

// transactions.go – the closed transaction union and its signing rules.
//
// Every variant body is RLP-encoded into Payload so the outer structure
// stays fixed and consumers switch exhaustively on Type. Per-sender
// monotonic nonces give replay protection; the sender exclusively owns its
// nonce slot.

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxType discriminates the transaction union.
type TxType uint8

const (
	TxTransfer TxType = iota + 1
	TxStake
	TxUnstake
	TxJobPosting
	TxSubmission
	TxEvalCommit
	TxRewardDistribution
	TxSlash
)

func (t TxType) String() string {
	switch t {
	case TxTransfer:
		return "transfer"
	case TxStake:
		return "stake"
	case TxUnstake:
		return "unstake"
	case TxJobPosting:
		return "job_posting"
	case TxSubmission:
		return "submission"
	case TxEvalCommit:
		return "eval_commit"
	case TxRewardDistribution:
		return "reward_distribution"
	case TxSlash:
		return "slash"
	default:
		return fmt.Sprintf("tx(%d)", uint8(t))
	}
}

// Transaction is the outer envelope shared by all variants.
type Transaction struct {
	Type      TxType  `json:"type"`
	From      Address `json:"from"`
	To        Address `json:"to"`
	Value     uint64  `json:"value"`
	Fee       uint64  `json:"fee"`
	Nonce     uint64  `json:"nonce"`
	Payload   []byte  `json:"payload"`
	Timestamp uint64  `json:"timestamp"`
	Hash      Hash    `json:"hash"`
	Sig       []byte  `json:"sig"`
}

//---------------------------------------------------------------------
// Variant bodies (RLP-encoded into Payload)
//---------------------------------------------------------------------

// StakeBody registers or tops up a validator; Value carries the amount.
type StakeBody struct {
	BLSPub []byte
	VRFPub []byte
}

// UnstakeBody opens a time-locked unbonding entry.
type UnstakeBody struct {
	Amount uint64
}

// JobPostingBody escrows Value as the job reward.
type JobPostingBody struct {
	JobID     Hash
	DatasetID string
	ModelSpec string
}

// SubmissionBody is a worker's claim for a job.
type SubmissionBody struct {
	SubmissionID   Hash
	JobID          Hash
	ModelRoot      Hash
	Solution       Solution
	DeclaredMetric Metric
	SolveTimeMS    uint64
}

// EvalCommitBody anchors H(signed_evaluation) on-chain. VRFProof is the
// signer's sortition proof for this submission round; the state machine
// rejects commitments from validators the lottery did not select.
type EvalCommitBody struct {
	SubmissionID Hash
	Round        uint32
	Commitment   Hash
	VRFProof     []byte
}

// RewardBody resolves a submission round: either finalizes it with the
// committee's consensus score and distributes the escrow, or rejects it and
// refunds the poster. Outliers are excluded from the evaluator share and
// queued for slashing.
type RewardBody struct {
	SubmissionID Hash
	Score        Metric
	Reject       bool
	Outliers     []Address
}

// SlashBody debits a validator's bonded stake. FractionBp is basis points
// of the bonded amount; Evidence lets other nodes verify independently.
type SlashBody struct {
	Validator  Address
	FractionBp uint32
	Reason     string
	Evidence   []byte
}

// DecodePayload unmarshals the variant body matching tx.Type into v.
func (tx *Transaction) DecodePayload(v interface{}) error {
	return DecodeCanonical(tx.Payload, v)
}

//---------------------------------------------------------------------
// Address helper (our 20-byte address ↔ go-ethereum common.Address)
//---------------------------------------------------------------------

// FromCommon converts a go-ethereum address to ours.
func FromCommon(a common.Address) Address {
	var out Address
	copy(out[:], a.Bytes())
	return out
}

// PubkeyToAddress derives the account address of a secp256k1 key.
func PubkeyToAddress(pub ecdsa.PublicKey) Address {
	return FromCommon(crypto.PubkeyToAddress(pub))
}

//---------------------------------------------------------------------
// Tx hashing / signing / verification
//---------------------------------------------------------------------

// HashTx computes and caches the domain-tagged transaction digest.
// Signature bytes are excluded; everything else is covered.
func (tx *Transaction) HashTx() Hash {
	h := sha256.New()
	h.Write([]byte(DomainTx))
	h.Write([]byte{byte(tx.Type)})
	h.Write(tx.From[:])
	h.Write(tx.To[:])
	h.Write(u64be(tx.Value))
	h.Write(u64be(tx.Fee))
	h.Write(u64be(tx.Nonce))
	h.Write(u64be(uint64(len(tx.Payload))))
	h.Write(tx.Payload)
	h.Write(u64be(tx.Timestamp))
	copy(tx.Hash[:], h.Sum(nil))
	return tx.Hash
}

// Sign hashes the transaction and signs it, filling From from the key.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return errors.New("nil privkey")
	}
	tx.From = PubkeyToAddress(priv.PublicKey)
	tx.HashTx()
	sig, err := crypto.Sign(tx.Hash[:], priv) // 65-byte {R ‖ S ‖ V}
	if err != nil {
		return err
	}
	tx.Sig = sig
	return nil
}

// VerifySig recovers the signer and checks it matches From.
func (tx *Transaction) VerifySig() error {
	if len(tx.Sig) != 65 {
		return fmt.Errorf("%w: missing or malformed sig", ErrBadSignature)
	}
	want := tx.Hash
	if tx.HashTx() != want {
		return fmt.Errorf("%w: stale tx hash", ErrBadSignature)
	}
	pubKey, err := crypto.SigToPub(tx.Hash[:], tx.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pubKey), tx.Hash[:], tx.Sig[:64]) {
		return ErrBadSignature
	}
	if PubkeyToAddress(*pubKey) != tx.From {
		return fmt.Errorf("%w: sender mismatch", ErrBadSignature)
	}
	return nil
}

//---------------------------------------------------------------------
// Constructors
//---------------------------------------------------------------------

func newTx(t TxType, to Address, value, fee, nonce, ts uint64, body interface{}) (*Transaction, error) {
	tx := &Transaction{Type: t, To: to, Value: value, Fee: fee, Nonce: nonce, Timestamp: ts}
	if body != nil {
		payload, err := EncodeCanonical(body)
		if err != nil {
			return nil, err
		}
		tx.Payload = payload
	}
	return tx, nil
}

// NewTransferTx moves Value from the signer to `to`.
func NewTransferTx(to Address, value, fee, nonce, ts uint64) (*Transaction, error) {
	return newTx(TxTransfer, to, value, fee, nonce, ts, nil)
}

// NewStakeTx bonds Value and registers the validator's signing keys.
func NewStakeTx(value, fee, nonce, ts uint64, blsPub, vrfPub []byte) (*Transaction, error) {
	return newTx(TxStake, Address{}, value, fee, nonce, ts, &StakeBody{BLSPub: blsPub, VRFPub: vrfPub})
}

// NewUnstakeTx opens an unbonding entry for amount.
func NewUnstakeTx(amount, fee, nonce, ts uint64) (*Transaction, error) {
	return newTx(TxUnstake, Address{}, 0, fee, nonce, ts, &UnstakeBody{Amount: amount})
}

// NewJobPostingTx escrows Value as the reward for a new job.
func NewJobPostingTx(jobID Hash, reward, fee, nonce, ts uint64, datasetID, modelSpec string) (*Transaction, error) {
	return newTx(TxJobPosting, Address{}, reward, fee, nonce, ts,
		&JobPostingBody{JobID: jobID, DatasetID: datasetID, ModelSpec: modelSpec})
}

// NewSubmissionTx claims a job with a model root and PoUW solution.
func NewSubmissionTx(body *SubmissionBody, fee, nonce, ts uint64) (*Transaction, error) {
	return newTx(TxSubmission, Address{}, 0, fee, nonce, ts, body)
}

// NewEvalCommitTx anchors an evaluation commitment on-chain.
func NewEvalCommitTx(body *EvalCommitBody, fee, nonce, ts uint64) (*Transaction, error) {
	return newTx(TxEvalCommit, Address{}, 0, fee, nonce, ts, body)
}

// NewRewardTx distributes a finalized submission's escrow.
func NewRewardTx(body *RewardBody, fee, nonce, ts uint64) (*Transaction, error) {
	return newTx(TxRewardDistribution, Address{}, 0, fee, nonce, ts, body)
}

// NewSlashTx debits a validator per a queued slashing decision.
func NewSlashTx(body *SlashBody, fee, nonce, ts uint64) (*Transaction, error) {
	return newTx(TxSlash, Address{}, 0, fee, nonce, ts, body)
}
