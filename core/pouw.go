package core

// PoUW engine – deterministic task generation, solving and verification.
//
// Task generation and verification sit inside the determinism boundary:
// they are pure functions of on-chain inputs and must agree on every node.
// Solving is local work and free to use however many cores it likes.

import (
	"context"
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"
)

// nonceBatch is the cancellation granularity of the solver loop.
const nonceBatch = 4096

//---------------------------------------------------------------------
// Task generation (pure)
//---------------------------------------------------------------------

// GenerateTask derives the block-scoped puzzle from the parent block and
// job context. Same inputs, same task, everywhere.
//
// With no job the task is a baseline seeded matrix product whose dimensions
// are drawn from the seed. With a job the useful work is the job itself and
// the task carries the model/dataset binding.
func GenerateTask(parentHash Hash, height uint64, job *Job, modelRoot, dataRoot Hash, target *big.Int) *Task {
	var jobID Hash
	if job != nil {
		jobID = job.ID
	}
	seed := DigestWithDomain(DomainTask, parentHash[:], u64be(height), jobID[:])

	params := TaskParams{
		Rows:  64 + uint32(seed[0])%64,
		Cols:  64 + uint32(seed[1])%64,
		Inner: 64 + uint32(seed[2])%64,
	}
	if job != nil {
		params.JobID = jobID
		params.ModelRoot = modelRoot
		params.DataRoot = dataRoot
	}

	id := DigestWithDomain(DomainTask,
		seed[:],
		u32be(params.Rows), u32be(params.Cols), u32be(params.Inner),
		params.JobID[:], params.ModelRoot[:], params.DataRoot[:],
		u64be(height),
	)
	return &Task{
		ID:     id,
		Height: height,
		Seed:   seed,
		Params: params,
		Target: new(big.Int).Set(target),
	}
}

// TaskOutput computes the deterministic useful-work output digest a correct
// solver must produce. Baseline tasks recompute the matrix digest; ML-bound
// tasks bind to the model root; the evaluation committee judges quality.
func TaskOutput(ctx context.Context, task *Task) (Hash, error) {
	if !task.Params.JobID.IsZero() {
		return DigestWithDomain(DomainProof, task.Params.ModelRoot[:], task.ID[:]), nil
	}
	return MatrixDigest(ctx, task.Seed, task.Params)
}

// SolutionProof is the nonce-bound digest compared against the target.
func SolutionProof(output Hash, nonce uint64, taskID Hash) Hash {
	return DigestWithDomain(DomainProof, output[:], u64be(nonce), taskID[:])
}

// proofMeetsTarget interprets the proof digest as a 256-bit integer.
func proofMeetsTarget(proof Hash, target *big.Int) bool {
	return new(big.Int).SetBytes(proof[:]).Cmp(target) <= 0
}

// VerifySolution recomputes the expected output and checks the nonce
// threshold. Deterministic; equal inputs, equal verdicts on all nodes.
func VerifySolution(ctx context.Context, task *Task, sol *Solution) error {
	if sol.TaskID != task.ID {
		return fmt.Errorf("%w: solution for task %s, want %s", ErrInvalidPoUW, sol.TaskID.Short(), task.ID.Short())
	}
	expected, err := TaskOutput(ctx, task)
	if err != nil {
		return err
	}
	if sol.Output != expected {
		return fmt.Errorf("%w: output digest mismatch", ErrInvalidPoUW)
	}
	proof := SolutionProof(sol.Output, sol.Nonce, task.ID)
	if proof != sol.Proof {
		return fmt.Errorf("%w: proof digest mismatch", ErrInvalidPoUW)
	}
	if !proofMeetsTarget(proof, task.Target) {
		return fmt.Errorf("%w: proof above target", ErrInvalidPoUW)
	}
	return nil
}

//---------------------------------------------------------------------
// Solver
//---------------------------------------------------------------------

// PoUWEngine owns the solving side: the substrate for useful output and a
// cancellable nonce search.
type PoUWEngine struct {
	substrate UsefulWorkSubstrate
	logger    *logrus.Logger
}

// NewPoUWEngine builds a solver around a substrate.
func NewPoUWEngine(sub UsefulWorkSubstrate, lg *logrus.Logger) *PoUWEngine {
	return &PoUWEngine{substrate: sub, logger: lg}
}

// ExecuteJob runs the substrate for a worker training against a real job:
// the returned digest, declared metric and wall time seed the submission
// the worker broadcasts.
func (e *PoUWEngine) ExecuteJob(ctx context.Context, task *Task, model, dataset *ContentDescriptor) (SubstrateResult, error) {
	return e.substrate.Execute(ctx, task, model, dataset)
}

// Solve performs the useful computation once, then searches nonces in
// batches until the proof digest meets the target or ctx is cancelled.
func (e *PoUWEngine) Solve(ctx context.Context, task *Task) (*Solution, error) {
	output, err := TaskOutput(ctx, task)
	if err != nil {
		return nil, err
	}

	var nonce uint64
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		for i := 0; i < nonceBatch; i++ {
			proof := SolutionProof(output, nonce, task.ID)
			if proofMeetsTarget(proof, task.Target) {
				e.logger.WithFields(logrus.Fields{
					"task": task.ID.Short(), "nonce": nonce,
				}).Debug("pouw solved")
				return &Solution{TaskID: task.ID, Output: output, Nonce: nonce, Proof: proof}, nil
			}
			nonce++
		}
	}
}
