package core

// substrate.go – the narrow contract to the useful-work substrate (the ML
// VM) and the reference implementation used for baseline tasks.
//
// Consensus sees only what crosses this boundary: an output digest, a
// declared metric and a wall time. Two honest evaluators on the same
// (model, dataset) must land within the configured tolerance; outlier
// rejection absorbs the rest.

import (
	"context"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2b"
)

// SubstrateResult is what the substrate hands back to consensus.
type SubstrateResult struct {
	OutputDigest Hash
	Metric       Metric
	WallTime     time.Duration
}

// UsefulWorkSubstrate executes a task against a model and dataset. The
// substrate is opaque; implementations live outside the core.
type UsefulWorkSubstrate interface {
	Execute(ctx context.Context, task *Task, model, dataset *ContentDescriptor) (SubstrateResult, error)
}

//---------------------------------------------------------------------
// Reference substrate – seeded matrix product
//---------------------------------------------------------------------

// MatrixSubstrate is the deterministic baseline: both operand matrices are
// expanded from the task seed, multiplied with wrapping uint64 arithmetic,
// and the product digested. Every node computes the identical digest.
type MatrixSubstrate struct{}

// Execute ignores model and dataset; baseline tasks are self-contained.
func (MatrixSubstrate) Execute(ctx context.Context, task *Task, _, _ *ContentDescriptor) (SubstrateResult, error) {
	start := time.Now()
	digest, err := MatrixDigest(ctx, task.Seed, task.Params)
	if err != nil {
		return SubstrateResult{}, err
	}
	return SubstrateResult{
		OutputDigest: digest,
		Metric:       MetricOne, // baseline work has no quality dimension
		WallTime:     time.Since(start),
	}, nil
}

// splitmix64 expands a seed into a deterministic stream.
func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// MatrixDigest computes the product digest for seeded operand matrices.
// Pure and total over (seed, params); cancellable between rows.
func MatrixDigest(ctx context.Context, seed [32]byte, p TaskParams) (Hash, error) {
	rows, cols, inner := int(p.Rows), int(p.Cols), int(p.Inner)

	state := binary.BigEndian.Uint64(seed[:8]) ^ binary.BigEndian.Uint64(seed[8:16])
	a := make([]uint64, rows*inner)
	for i := range a {
		a[i] = splitmix64(&state)
	}
	b := make([]uint64, inner*cols)
	for i := range b {
		b[i] = splitmix64(&state)
	}

	h, _ := blake2b.New256(nil)
	h.Write([]byte(DomainProof))
	row := make([]byte, 8*cols)
	for i := 0; i < rows; i++ {
		select {
		case <-ctx.Done():
			return Hash{}, ctx.Err()
		default:
		}
		for j := 0; j < cols; j++ {
			var acc uint64
			for k := 0; k < inner; k++ {
				acc += a[i*inner+k] * b[k*cols+j]
			}
			binary.BigEndian.PutUint64(row[j*8:], acc)
		}
		h.Write(row)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
