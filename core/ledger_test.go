package core

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

//-------------------------------------------------------------
// Helpers
//-------------------------------------------------------------

type testActor struct {
	t    *testing.T
	key  *ecdsa.PrivateKey
	addr Address
	bls  *BLSKey
	vrf  ed25519.PrivateKey
	vrfP ed25519.PublicKey
}

func newActor(t *testing.T) *testActor {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	vrfPub, vrfPriv, err := GenerateVRFKey()
	if err != nil {
		t.Fatal(err)
	}
	return &testActor{
		t:    t,
		key:  key,
		addr: PubkeyToAddress(key.PublicKey),
		bls:  GenerateBLSKey(),
		vrf:  vrfPriv,
		vrfP: vrfPub,
	}
}

var treasury = Address{0x7e, 0xa5}

func testLedgerConfig(alloc map[Address]uint64) LedgerConfig {
	return LedgerConfig{
		GenesisAlloc:           alloc,
		MinStake:               1000,
		UnbondingPeriodHeights: 10,
		RoundTimeoutHeights:    5,
		MaxRounds:              2,
		CommitteeSize:          3,
		QuorumNumerator:        2,
		QuorumDenominator:      3,
		Rewards:                RewardShares{WorkerBp: 8500, EvaluatorBp: 1000, ProtocolBp: 500},
		Treasury:               treasury,
	}
}

func newTestLedger(t *testing.T, alloc map[Address]uint64) *Ledger {
	t.Helper()
	led, err := NewLedger(testLedgerConfig(alloc), testLogger())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return led
}

// sign signs a constructed transaction for the actor, fatals on error.
func (a *testActor) sign(tx *Transaction, err error) *Transaction {
	a.t.Helper()
	if err != nil {
		a.t.Fatal(err)
	}
	if err := tx.Sign(a.key); err != nil {
		a.t.Fatal(err)
	}
	return tx
}

// applyBlock seals the txs into the next block produced by `producer` and
// applies it.
func applyBlock(t *testing.T, led *Ledger, producer Address, txs ...*Transaction) *Block {
	t.Helper()
	hdr := &BlockHeader{
		Height:     led.LastBlockHeight() + 1,
		ParentHash: led.TipHash(),
		Timestamp:  led.LastBlockHeight() + 1,
		Producer:   producer,
	}
	b := &Block{Header: hdr, Txs: txs}
	root, err := led.PreviewStateRoot(b)
	if err != nil {
		t.Fatalf("preview height %d: %v", hdr.Height, err)
	}
	hdr.StateRoot = root
	if err := led.ApplyBlock(b); err != nil {
		t.Fatalf("apply height %d: %v", hdr.Height, err)
	}
	return b
}

// stakeValidators stakes each actor with `amount` in one block.
func stakeValidators(t *testing.T, led *Ledger, producer Address, amount uint64, actors ...*testActor) {
	t.Helper()
	var txs []*Transaction
	for _, a := range actors {
		tx := a.sign(NewStakeTx(amount, 0, led.AccountNonce(a.addr), 1, a.bls.Pub, a.vrfP))
		txs = append(txs, tx)
	}
	applyBlock(t, led, producer, txs...)
}

// commitFor builds a signed evaluation, its commitment and the matching
// on-chain commit transaction for one committee member.
func commitFor(t *testing.T, led *Ledger, v *testActor, sub Submission, metric Metric) (*Evaluation, *Transaction) {
	t.Helper()
	ev := &Evaluation{
		SubmissionID: sub.ID,
		Round:        sub.Round,
		Metric:       metric,
		WallTimeMS:   1500,
		Signer:       v.addr,
	}
	SignEvaluation(v.bls, ev)

	inclusion, ok := led.BlockByHeight(sub.RoundStart)
	if !ok {
		t.Fatalf("no block at submission round start %d", sub.RoundStart)
	}
	seed := CommitteeSeed(inclusion.Header.ParentHash, sub.ID, sub.Round)
	stake := led.GetAccount(v.addr).Bonded
	proof, selected := ProveMembership(v.vrf, seed, stake, led.TotalStake(), 3)
	if !selected {
		t.Fatalf("validator %s not selected with saturated sortition", v.addr.Hex())
	}

	body := &EvalCommitBody{
		SubmissionID: sub.ID,
		Round:        sub.Round,
		Commitment:   CommitmentOf(ev),
		VRFProof:     proof,
	}
	tx := v.sign(NewEvalCommitTx(body, 0, led.AccountNonce(v.addr), 1))
	return ev, tx
}

//-------------------------------------------------------------
// Scenario: happy-path submission lifecycle
//-------------------------------------------------------------

func TestSubmissionLifecycleHappyPath(t *testing.T) {
	poster := newActor(t)
	worker := newActor(t)
	producer := newActor(t)
	v1, v2, v3 := newActor(t), newActor(t), newActor(t)

	led := newTestLedger(t, map[Address]uint64{
		poster.addr:   10_000,
		worker.addr:   100,
		producer.addr: 100,
		v1.addr:       2_000,
		v2.addr:       2_000,
		v3.addr:       2_000,
	})
	supply0 := led.TotalSupply()

	// Height 1: validators bond.
	stakeValidators(t, led, producer.addr, 1000, v1, v2, v3)

	// Height 2: job posted with a 1000 escrow.
	jobID := HashBytes([]byte("job-mnist"))
	applyBlock(t, led, producer.addr,
		poster.sign(NewJobPostingTx(jobID, 1000, 1, led.AccountNonce(poster.addr), 2, "dataset:mnist-v3", "resnet")))

	// Height 3: the worker's submission enters evaluation.
	subID := HashBytes([]byte("submission-1"))
	applyBlock(t, led, producer.addr,
		worker.sign(NewSubmissionTx(&SubmissionBody{
			SubmissionID:   subID,
			JobID:          jobID,
			ModelRoot:      HashBytes([]byte("model-root")),
			DeclaredMetric: 930_000,
			SolveTimeMS:    9_000,
		}, 1, led.AccountNonce(worker.addr), 3)))

	sub, ok := led.GetSubmission(subID)
	if !ok || sub.State != SubmissionUnderEvaluation || sub.Round != 1 {
		t.Fatalf("submission state %+v", sub)
	}

	// Height 4: committee commitments {0.93, 0.94, 0.93}.
	evals := make([]*Evaluation, 0, 3)
	var commits []*Transaction
	for i, v := range []*testActor{v1, v2, v3} {
		metric := Metric(930_000)
		if i == 1 {
			metric = 940_000
		}
		ev, tx := commitFor(t, led, v, sub, metric)
		evals = append(evals, ev)
		commits = append(commits, tx)
	}
	applyBlock(t, led, producer.addr, commits...)

	if n := led.CommitmentCount(subID, 1); n != 3 {
		t.Fatalf("commitment count %d", n)
	}

	// Aggregate off-chain exactly as a producer would.
	res := AggregateEvaluations(EvaluationConfig{
		CommitteeSize: 3, QuorumNumerator: 2, QuorumDenominator: 3,
		MinEvaluations: 2, OutlierMADFactor: 3, MetricTolerance: 20_000,
	}, evals, func(a Address) uint64 {
		v, _ := led.GetValidator(a)
		return v.Stake
	})
	if res.Score != 933_333 || len(res.Outliers) != 0 {
		t.Fatalf("aggregation %+v", res)
	}

	// Height 5: reward distribution finalizes the submission.
	applyBlock(t, led, producer.addr,
		producer.sign(NewRewardTx(&RewardBody{SubmissionID: subID, Score: res.Score},
			0, led.AccountNonce(producer.addr), 5)))

	sub, _ = led.GetSubmission(subID)
	if sub.State != SubmissionFinalized || sub.Score != 933_333 {
		t.Fatalf("final submission %+v", sub)
	}

	// Escrow split 85/10/5: worker 850, evaluators 33 each, protocol 50+1.
	if got := led.GetAccount(poster.addr).Balance; got != 10_000-1000-1 {
		t.Fatalf("poster balance %d", got)
	}
	if got := led.GetAccount(worker.addr).Balance; got != 100-1+850 {
		t.Fatalf("worker balance %d", got)
	}
	for _, v := range []*testActor{v1, v2, v3} {
		acct := led.GetAccount(v.addr)
		if acct.Balance != 2000-1000+33 {
			t.Fatalf("evaluator %s balance %d", v.addr.Hex(), acct.Balance)
		}
		if acct.Bonded != 1000 {
			t.Fatalf("evaluator %s bonded %d", v.addr.Hex(), acct.Bonded)
		}
	}
	if got := led.GetAccount(treasury).Balance; got != 51 {
		t.Fatalf("treasury balance %d", got)
	}
	// Producer collected the two user fees.
	if got := led.GetAccount(producer.addr).Balance; got != 100+2 {
		t.Fatalf("producer balance %d", got)
	}
	if led.TotalSupply() != supply0 {
		t.Fatalf("supply drifted %d → %d", supply0, led.TotalSupply())
	}
}

//-------------------------------------------------------------
// Scenario: equivocating validator
//-------------------------------------------------------------

func TestEquivocationEvidenceAndFullSlash(t *testing.T) {
	producer := newActor(t)
	worker := newActor(t)
	poster := newActor(t)
	v1, v2, v3 := newActor(t), newActor(t), newActor(t)

	led := newTestLedger(t, map[Address]uint64{
		poster.addr: 10_000, worker.addr: 100, producer.addr: 100,
		v1.addr: 2_000, v2.addr: 2_000, v3.addr: 2_000,
	})
	stakeValidators(t, led, producer.addr, 1000, v1, v2, v3)

	jobID := HashBytes([]byte("job"))
	applyBlock(t, led, producer.addr,
		poster.sign(NewJobPostingTx(jobID, 500, 1, 0, 2, "dataset:d", "m")))
	subID := HashBytes([]byte("sub"))
	applyBlock(t, led, producer.addr,
		worker.sign(NewSubmissionTx(&SubmissionBody{SubmissionID: subID, JobID: jobID}, 1, 0, 3)))
	sub, _ := led.GetSubmission(subID)

	// V2 commits twice with distinct payloads for the same round.
	_, first := commitFor(t, led, v2, sub, 900_000)
	applyBlock(t, led, producer.addr, first)
	_, second := commitFor(t, led, v2, sub, 950_000)
	applyBlock(t, led, producer.addr, second)

	evid := led.Equivocations()
	if len(evid) != 1 || evid[0].Signer != v2.addr {
		t.Fatalf("equivocation evidence %+v", evid)
	}

	// The queued consequence: a 100% slash empties the stake and removes
	// V2 from future selection.
	applyBlock(t, led, producer.addr,
		producer.sign(NewSlashTx(&SlashBody{
			Validator: v2.addr, FractionBp: 10_000, Reason: "commitment equivocation",
		}, 0, led.AccountNonce(producer.addr), 6)))

	v, _ := led.GetValidator(v2.addr)
	if v.Stake != 0 {
		t.Fatalf("equivocator stake %d, want 0", v.Stake)
	}
	for _, val := range led.Validators() {
		if val.Addr == v2.addr {
			t.Fatal("slashed validator still selectable")
		}
	}
	// Slashed stake routed to the treasury (burn disabled in this config).
	if led.GetAccount(treasury).Balance != 1000 {
		t.Fatalf("treasury %d", led.GetAccount(treasury).Balance)
	}
}

//-------------------------------------------------------------
// Scenario: outlier slash fraction
//-------------------------------------------------------------

func TestInitialOffenseSlashFraction(t *testing.T) {
	producer := newActor(t)
	v1 := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100, v1.addr: 2_000})
	stakeValidators(t, led, producer.addr, 1000, v1)

	applyBlock(t, led, producer.addr,
		producer.sign(NewSlashTx(&SlashBody{
			Validator: v1.addr, FractionBp: 100, Reason: "evaluation outlier",
		}, 0, 0, 2)))

	v, _ := led.GetValidator(v1.addr)
	if v.Stake != 990 {
		t.Fatalf("stake after 1%% slash: %d", v.Stake)
	}
	if v.Offenses != 1 || v.Reputation != -1 {
		t.Fatalf("offense tracking %+v", v)
	}
}

//-------------------------------------------------------------
// Unbonding
//-------------------------------------------------------------

func TestUnstakeTimeLock(t *testing.T) {
	producer := newActor(t)
	v1 := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100, v1.addr: 2_000})
	stakeValidators(t, led, producer.addr, 2000, v1)

	applyBlock(t, led, producer.addr,
		v1.sign(NewUnstakeTx(500, 0, led.AccountNonce(v1.addr), 2)))

	acct := led.GetAccount(v1.addr)
	if acct.Balance != 0 || acct.Bonded != 1500 || len(acct.Unbonding) != 1 {
		t.Fatalf("post-unstake account %+v", acct)
	}
	release := acct.Unbonding[0].ReleaseHeight

	for led.LastBlockHeight() < release {
		applyBlock(t, led, producer.addr)
	}
	acct = led.GetAccount(v1.addr)
	if acct.Balance != 500 || len(acct.Unbonding) != 0 {
		t.Fatalf("post-release account %+v", acct)
	}
}

//-------------------------------------------------------------
// Round timeouts → Unresolved
//-------------------------------------------------------------

func TestEvaluationRoundTimeoutToUnresolved(t *testing.T) {
	producer := newActor(t)
	poster := newActor(t)
	worker := newActor(t)
	led := newTestLedger(t, map[Address]uint64{
		producer.addr: 100, poster.addr: 10_000, worker.addr: 100,
	})

	jobID := HashBytes([]byte("stale-job"))
	applyBlock(t, led, producer.addr,
		poster.sign(NewJobPostingTx(jobID, 800, 1, 0, 1, "dataset:d", "m")))
	subID := HashBytes([]byte("stale-sub"))
	applyBlock(t, led, producer.addr,
		worker.sign(NewSubmissionTx(&SubmissionBody{SubmissionID: subID, JobID: jobID}, 1, 0, 2)))

	posterBefore := led.GetAccount(poster.addr).Balance

	// Round timeout is 5 heights, max rounds 2: after two expiries the
	// submission lands Unresolved and escrow returns to the poster.
	for i := 0; i < 11; i++ {
		applyBlock(t, led, producer.addr)
	}
	sub, _ := led.GetSubmission(subID)
	if sub.State != SubmissionUnresolved {
		t.Fatalf("state %d after timeouts, round %d", sub.State, sub.Round)
	}
	if got := led.GetAccount(poster.addr).Balance; got != posterBefore+800 {
		t.Fatalf("poster refund: %d, want %d", got, posterBefore+800)
	}
}

//-------------------------------------------------------------
// Validation failures
//-------------------------------------------------------------

func TestApplyRejectsNonceGapAndOverdraft(t *testing.T) {
	producer := newActor(t)
	a := newActor(t)
	b := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100, a.addr: 50})

	gap := a.sign(NewTransferTx(b.addr, 10, 1, 5, 1)) // nonce 5, want 0
	hdr := &BlockHeader{Height: 1, ParentHash: led.TipHash(), Producer: producer.addr}
	if _, err := led.PreviewStateRoot(&Block{Header: hdr, Txs: []*Transaction{gap}}); !errors.Is(err, ErrNonceGap) {
		t.Fatalf("want ErrNonceGap, got %v", err)
	}

	broke := a.sign(NewTransferTx(b.addr, 100, 1, 0, 1))
	if _, err := led.PreviewStateRoot(&Block{Header: hdr, Txs: []*Transaction{broke}}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
}

//-------------------------------------------------------------
// Apply / rollback identity
//-------------------------------------------------------------

func TestRollbackRestoresStateRoot(t *testing.T) {
	producer := newActor(t)
	a := newActor(t)
	b := newActor(t)
	led := newTestLedger(t, map[Address]uint64{producer.addr: 100, a.addr: 1_000})

	applyBlock(t, led, producer.addr, a.sign(NewTransferTx(b.addr, 10, 1, 0, 1)))
	rootBefore := led.StateRoot()

	applyBlock(t, led, producer.addr, a.sign(NewTransferTx(b.addr, 20, 1, 1, 2)))
	if led.StateRoot() == rootBefore {
		t.Fatal("second block did not change the state root")
	}
	if err := led.RollbackTip(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if led.StateRoot() != rootBefore {
		t.Fatal("rollback did not restore the exact prior state root")
	}
	if led.LastBlockHeight() != 1 {
		t.Fatalf("height after rollback %d", led.LastBlockHeight())
	}
}

//-------------------------------------------------------------
// WAL persistence
//-------------------------------------------------------------

func TestLedgerWALReplay(t *testing.T) {
	producer := newActor(t)
	a := newActor(t)
	b := newActor(t)

	dir := t.TempDir()
	cfg := testLedgerConfig(map[Address]uint64{producer.addr: 100, a.addr: 1_000})
	cfg.WALPath = dir + "/ledger.wal"

	led, err := NewLedger(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	applyBlock(t, led, producer.addr, a.sign(NewTransferTx(b.addr, 100, 1, 0, 1)))
	applyBlock(t, led, producer.addr, a.sign(NewTransferTx(b.addr, 200, 1, 1, 2)))
	root := led.StateRoot()
	if err := led.Close(); err != nil {
		t.Fatal(err)
	}

	replayed, err := NewLedger(cfg, testLogger())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer replayed.Close()
	if replayed.LastBlockHeight() != 2 {
		t.Fatalf("replayed height %d", replayed.LastBlockHeight())
	}
	if replayed.StateRoot() != root {
		t.Fatal("replayed state root differs")
	}
	if replayed.GetAccount(b.addr).Balance != 300 {
		t.Fatalf("replayed balance %d", replayed.GetAccount(b.addr).Balance)
	}
}
