package core

// common_structs.go – centralised struct definitions referenced across
// modules. This file declares only data structures (no behaviour) so that
// subsystem files can share a vocabulary without cyclic imports.

import (
	"math/big"
)

//---------------------------------------------------------------------
// Primitive identifiers
//---------------------------------------------------------------------

// Hash is a 32-byte content or consensus digest.
type Hash [32]byte

// Address is a 20-byte account identifier derived from a secp256k1 public key.
type Address [20]byte

// NodeID identifies a peer on the transfer and gossip networks.
type NodeID string

//---------------------------------------------------------------------
// Content-addressed data plane
//---------------------------------------------------------------------

// CompressionTag identifies the stored form of a chunk payload.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = iota
	CompressionZstd
)

// Chunk is the fixed-domain unit of transferable bytes. Payload holds the
// compressed form; Hash and Checksum are always over the uncompressed
// content. Equal hashes imply equal logical content.
type Chunk struct {
	Hash        Hash           `json:"hash"`
	Size        uint32         `json:"size"` // uncompressed bytes
	Compression CompressionTag `json:"compression"`
	Payload     []byte         `json:"payload"`
	Checksum    uint64         `json:"checksum"` // xxhash64 of uncompressed content
}

// RedundancyPolicy states how many peer copies a descriptor wants and
// whether the copies should spread across distinct peers.
type RedundancyPolicy struct {
	Copies    uint8 `json:"copies"`
	GeoSpread bool  `json:"geo_spread"`
}

// EncryptionMeta is carried by descriptors whose payload chunks are
// encrypted before chunking. The core treats it as opaque metadata.
type EncryptionMeta struct {
	Algo  string `json:"algo"`
	Nonce []byte `json:"nonce"`
}

// ContentDescriptor is the Merkle-rooted manifest of an ordered chunk list.
// Any descriptor with the same root denotes the same logical blob.
type ContentDescriptor struct {
	Root       Hash             `json:"root"`
	TotalSize  uint64           `json:"total_size"`
	Chunks     []Hash           `json:"chunks"`
	Policy     RedundancyPolicy `json:"policy"`
	Encryption *EncryptionMeta  `json:"encryption,omitempty" rlp:"nil"`
}

// PeerInfo is the transfer protocol's view of a participant.
type PeerInfo struct {
	ID         NodeID   `json:"id"`
	Addrs      []string `json:"addrs"`
	CPU        uint32   `json:"cpu"`
	GPU        uint32   `json:"gpu"`
	MemoryMB   uint64   `json:"memory_mb"`
	Stake      uint64   `json:"stake"`
	Reputation int64    `json:"reputation"`
}

//---------------------------------------------------------------------
// Proof of useful work
//---------------------------------------------------------------------

// TaskParams describes the deterministic useful-work body of a task. The
// baseline problem is a seeded matrix product; full ML jobs carry the
// dataset and model references of the job they train.
type TaskParams struct {
	Rows  uint32 `json:"rows"`
	Cols  uint32 `json:"cols"`
	Inner uint32 `json:"inner"`

	// Optional ML job binding. When JobID is non-zero the useful work is
	// the referenced training job and the engine verifies only the output
	// binding; quality is the evaluation committee's job.
	JobID     Hash `json:"job_id"`
	ModelRoot Hash `json:"model_root"`
	DataRoot  Hash `json:"data_root"`
}

// Task is the deterministic, block-scoped puzzle. Every node derives the
// identical task from the same parent block and job context.
type Task struct {
	ID     Hash       `json:"id"`
	Height uint64     `json:"height"`
	Seed   [32]byte   `json:"seed"`
	Params TaskParams `json:"params"`
	Target *big.Int   `json:"target"`
}

// Solution carries the useful output and the nonce satisfying the target.
type Solution struct {
	TaskID Hash   `json:"task_id"`
	Output Hash   `json:"output"` // digest of the useful-work output
	Nonce  uint64 `json:"nonce"`
	Proof  Hash   `json:"proof"` // H(output ‖ nonce ‖ task_id)
}

//---------------------------------------------------------------------
// Validators and evaluation
//---------------------------------------------------------------------

// Validator is a staked participant eligible for committee duty.
type Validator struct {
	Addr       Address `json:"addr"`
	BLSPub     []byte  `json:"bls_pub"`
	VRFPub     []byte  `json:"vrf_pub"` // ed25519
	Stake      uint64  `json:"stake"`
	Reputation int64   `json:"reputation"`
	LastActive uint64  `json:"last_active"`
	Offenses   uint32  `json:"offenses"` // slashing escalation counter
}

// Metric is a fixed-point scalar in micro-units: 1_000_000 == 1.0.
// Fixed point keeps aggregation bit-reproducible across nodes.
type Metric uint32

// MetricOne is the fixed-point representation of 1.0.
const MetricOne Metric = 1_000_000

// Evaluation is a committee member's signed score for one submission round.
type Evaluation struct {
	SubmissionID Hash    `json:"submission_id"`
	Round        uint32  `json:"round"`
	Metric       Metric  `json:"metric"`
	WallTimeMS   uint64  `json:"wall_time_ms"`
	Signer       Address `json:"signer"`
	Sig          []byte  `json:"sig"` // BLS over the canonical encoding
}

// SubmissionState is the lifecycle of a worker's claim.
type SubmissionState uint8

const (
	SubmissionProposed SubmissionState = iota
	SubmissionUnderEvaluation
	SubmissionFinalized
	SubmissionRejected
	SubmissionUnresolved
)

// Submission records a worker's claim that a model satisfies a job.
type Submission struct {
	ID             Hash            `json:"id"`
	JobID          Hash            `json:"job_id"`
	Worker         Address         `json:"worker"`
	ModelRoot      Hash            `json:"model_root"`
	Solution       Solution        `json:"solution"`
	DeclaredMetric Metric          `json:"declared_metric"`
	State          SubmissionState `json:"state"`
	Round          uint32          `json:"round"`
	RoundStart     uint64          `json:"round_start"` // height the round opened
	Score          Metric          `json:"score"`       // consensus metric once finalized
	SolveTimeMS    uint64          `json:"solve_time_ms"`
}

// Job is an on-chain posting with escrowed reward.
type Job struct {
	ID        Hash    `json:"id"`
	Poster    Address `json:"poster"`
	Reward    uint64  `json:"reward"`
	DatasetID string  `json:"dataset_id"`
	ModelSpec string  `json:"model_spec"`
	Escrow    uint64  `json:"escrow"`
	PostedAt  uint64  `json:"posted_at"` // height
	Completed bool    `json:"completed"`
}

//---------------------------------------------------------------------
// Accounts and blocks
//---------------------------------------------------------------------

// UnbondingEntry is stake waiting out the time lock before becoming liquid.
type UnbondingEntry struct {
	Amount        uint64 `json:"amount"`
	ReleaseHeight uint64 `json:"release_height"`
}

// Account is the per-identity ledger record. All updates are atomic within
// block application.
type Account struct {
	Balance    uint64           `json:"balance"`
	Bonded     uint64           `json:"bonded"`
	Unbonding  []UnbondingEntry `json:"unbonding,omitempty"`
	Nonce      uint64           `json:"nonce"`
	Reputation int64            `json:"reputation"`
}

// BlockHeader binds the useful-work proof and the evaluation commitments
// to the chain.
type BlockHeader struct {
	Height     uint64   `json:"height"`
	ParentHash Hash     `json:"parent"`
	Timestamp  uint64   `json:"timestamp"` // unix seconds

	TxRoot     Hash     `json:"tx_root"`
	StateRoot  Hash     `json:"state_root"`
	TaskID     Hash     `json:"task_id"`
	Solution   Solution `json:"solution"`
	EvalRoot   Hash     `json:"eval_root"`
	Target     *big.Int `json:"target"`
	Producer   Address  `json:"producer"`
	VRFProof   []byte   `json:"vrf_proof"`
	Sig        []byte   `json:"sig"`
}

// Block is a header plus the ordered transaction list.
type Block struct {
	Header *BlockHeader   `json:"header"`
	Txs    []*Transaction `json:"txs"`
}
