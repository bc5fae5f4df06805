package core

// errors.go – sentinel errors shared across the BCAI core.
//
// The taxonomy distinguishes validation errors (reject, no retry),
// integrity errors (fatal for the object, penalize the source), transient
// errors (retried by the owning subsystem) and consensus-rule violations
// (rejected and slashable). Callers classify with errors.Is.

import "errors"

// Validation errors.
var (
	ErrBadSignature      = errors.New("signature invalid")
	ErrNonceGap          = errors.New("nonce gap")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrStakeBelowMin     = errors.New("stake below minimum")
	ErrInvalidPoUW       = errors.New("invalid pouw solution")
	ErrBadVRFProof       = errors.New("invalid vrf proof")
	ErrNotCommittee      = errors.New("signer not in committee")
)

// Integrity errors.
var (
	ErrIntegrity         = errors.New("integrity check failed")
	ErrRootMismatch      = errors.New("descriptor root mismatch")
	ErrStateRootMismatch = errors.New("state root mismatch")
)

// Chunk store / transfer errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrOutOfSpace = errors.New("out of space")
	ErrStorage    = errors.New("storage i/o")
	ErrNoPeers    = errors.New("no peers available")
	ErrCancelled  = errors.New("transfer cancelled")
	ErrTimeout    = errors.New("deadline exceeded")
)

// Consensus-rule violations.
var (
	ErrEquivocation  = errors.New("equivocation")
	ErrUnknownParent = errors.New("unknown parent block")
	ErrFutureTime    = errors.New("timestamp outside allowed skew")
	ErrNotEligible   = errors.New("producer not eligible")
	ErrDuplicateEval = errors.New("duplicate evaluation commitment")
)

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("logical id already registered")
	ErrBadPolicy         = errors.New("invalid redundancy policy")
)
