package core

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func newTestProducer(t *testing.T, led *Ledger, key *testActor) *BlockProducer {
	t.Helper()
	pool := NewTxPool(TxPoolConfig{}, testLogger())
	fork := NewForkChoice(led, testLogger())
	pouw := NewPoUWEngine(MatrixSubstrate{}, testLogger())
	diff := NewDifficultyController(diffCfg())
	bp, err := NewBlockProducer(ConsensusConfig{
		TargetBlockTime:  time.Second,
		MaxTimestampSkew: time.Minute,
		MaxBlockTxs:      128,
		DifficultyWindow: 1 << 20, // never retargets inside a test
		InitialTarget:    easyTarget(),
		ProposerExpected: 1,
	}, led, pool, fork, pouw, nil, diff, nullBcast{}, key.key, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return bp
}

func TestAssembleAndValidateBlock(t *testing.T) {
	producer := newActor(t)
	a := newActor(t)
	b := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100, a.addr: 1_000})
	bp := newTestProducer(t, led, producer)

	tx := a.sign(NewTransferTx(b.addr, 50, 1, 0, 1))
	if err := bp.pool.AddTx(tx); err != nil {
		t.Fatal(err)
	}

	blk, err := bp.AssembleBlock(context.Background(), nil)
	if err != nil {
		t.Fatalf("AssembleBlock: %v", err)
	}
	if len(blk.Txs) != 1 {
		t.Fatalf("assembled %d txs", len(blk.Txs))
	}
	if err := bp.ValidateBlock(context.Background(), blk); err != nil {
		t.Fatalf("own block invalid: %v", err)
	}
	if err := bp.fork.AddBlock(blk); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if led.GetAccount(b.addr).Balance != 50 {
		t.Fatalf("transfer not applied: %d", led.GetAccount(b.addr).Balance)
	}
}

func TestValidateRejectsForgedPoUW(t *testing.T) {
	producer := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100})
	bp := newTestProducer(t, led, producer)

	blk, err := bp.AssembleBlock(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// Forge the useful-work output and re-seal the header so only the
	// deterministic output check can catch it.
	blk.Header.Solution.Output[0] ^= 1
	task := GenerateTask(blk.Header.ParentHash, blk.Header.Height, nil, Hash{}, Hash{}, blk.Header.Target)
	for n := uint64(0); ; n++ {
		p := SolutionProof(blk.Header.Solution.Output, n, task.ID)
		if proofMeetsTarget(p, blk.Header.Target) {
			blk.Header.Solution.Nonce = n
			blk.Header.Solution.Proof = p
			break
		}
	}
	if err := blk.Header.SignHeader(producer.key); err != nil {
		t.Fatal(err)
	}

	if err := bp.ValidateBlock(context.Background(), blk); !errors.Is(err, ErrInvalidPoUW) {
		t.Fatalf("forged block passed validation: %v", err)
	}
	if led.LastBlockHeight() != 0 {
		t.Fatal("forged block reached the chain")
	}
}

func TestValidateRejectsWrongTarget(t *testing.T) {
	producer := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100})
	bp := newTestProducer(t, led, producer)

	blk, err := bp.AssembleBlock(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	blk.Header.Target = new(big.Int).Lsh(big.NewInt(1), 240)
	if err := blk.Header.SignHeader(producer.key); err != nil {
		t.Fatal(err)
	}
	if err := bp.ValidateBlock(context.Background(), blk); !errors.Is(err, ErrInvalidPoUW) {
		t.Fatalf("wrong target accepted: %v", err)
	}
}

func TestValidateRejectsTamperedTxRoot(t *testing.T) {
	producer := newActor(t)
	a := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100, a.addr: 1_000})
	bp := newTestProducer(t, led, producer)

	if err := bp.pool.AddTx(a.sign(NewTransferTx(Address{9}, 5, 1, 0, 1))); err != nil {
		t.Fatal(err)
	}
	blk, err := bp.AssembleBlock(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	blk.Txs = nil // drop the transaction but keep the root
	if err := bp.ValidateBlock(context.Background(), blk); !errors.Is(err, ErrRootMismatch) {
		t.Fatalf("tampered tx set accepted: %v", err)
	}
}

func TestHeaderSignatureBinding(t *testing.T) {
	producer := newActor(t)
	intruder := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100})
	bp := newTestProducer(t, led, producer)

	blk, err := bp.AssembleBlock(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	// Claiming another producer under the existing signature must fail.
	blk.Header.Producer = intruder.addr
	if err := blk.Header.VerifyHeaderSig(); err == nil {
		t.Fatal("foreign producer accepted")
	}
}
