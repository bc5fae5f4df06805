package core

// BlockProducer – assembles, validates and applies blocks, and keeps the
// consensus-side difficulty state.
//
// Key invariants:
//   • Producer selection is a stake-weighted VRF lottery over the parent
//     hash; eligibility is publicly verifiable.
//   • A block is valid only when its deterministic task matches, its PoUW
//     solution verifies, and its transitions apply cleanly.
//   • Difficulty retargets every consensus.difficulty_window blocks from
//     the finalized-submission window; every node computes the same
//     target because the window is read from the chain itself.

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConsensusConfig mirrors the consensus.* block surface.
type ConsensusConfig struct {
	TargetBlockTime  time.Duration
	MaxTimestampSkew time.Duration
	MaxBlockTxs      int
	DifficultyWindow int
	InitialTarget    *big.Int
	ProposerExpected uint32 // expected proposers per height, normally 1
}

// proposerSeed derives the proposer lottery seed for a height.
func proposerSeed(parentHash Hash, height uint64) []byte {
	d := DigestWithDomain(DomainVRF, parentHash[:], u64be(height), []byte("proposer"))
	return d[:]
}

// BlockProducer drives the node's consensus participation.
type BlockProducer struct {
	logger *logrus.Logger
	cfg    ConsensusConfig

	ledger *Ledger
	pool   *TxPool
	fork   *ForkChoice
	pouw   *PoUWEngine
	evals  *EvaluationManager
	diff   *DifficultyController
	bcast  TopicBroadcaster

	key      *ecdsa.PrivateKey // account key: signs blocks and internal txs
	identity *ValidatorIdentity

	mu          sync.Mutex
	curTarget   *big.Int
	slashedEvid map[Hash]struct{} // equivocation evidence already acted on
	onConnect   func(*Block)
	closing     chan struct{}
}

// SetOnConnect registers a hook fired after each block becomes canonical.
func (bp *BlockProducer) SetOnConnect(fn func(*Block)) {
	bp.mu.Lock()
	bp.onConnect = fn
	bp.mu.Unlock()
}

// NewBlockProducer wires the engine together.
func NewBlockProducer(cfg ConsensusConfig, led *Ledger, pool *TxPool, fork *ForkChoice,
	pouw *PoUWEngine, evals *EvaluationManager, diff *DifficultyController,
	bcast TopicBroadcaster, key *ecdsa.PrivateKey, id *ValidatorIdentity,
	lg *logrus.Logger) (*BlockProducer, error) {

	if cfg.InitialTarget == nil || cfg.InitialTarget.Sign() <= 0 {
		return nil, fmt.Errorf("initial difficulty target required")
	}
	return &BlockProducer{
		logger:      lg,
		cfg:         cfg,
		ledger:      led,
		pool:        pool,
		fork:        fork,
		pouw:        pouw,
		evals:       evals,
		diff:        diff,
		bcast:       bcast,
		key:         key,
		identity:    id,
		curTarget:   new(big.Int).Set(cfg.InitialTarget),
		slashedEvid: make(map[Hash]struct{}),
		closing:     make(chan struct{}),
	}, nil
}

// CurrentTarget returns a copy of the difficulty target in force.
func (bp *BlockProducer) CurrentTarget() *big.Int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return new(big.Int).Set(bp.curTarget)
}

//---------------------------------------------------------------------
// Service loop
//---------------------------------------------------------------------

// Start launches the production loop.
func (bp *BlockProducer) Start(ctx context.Context) {
	go bp.produceLoop(ctx)
}

// Stop terminates the loops.
func (bp *BlockProducer) Stop() { close(bp.closing) }

func (bp *BlockProducer) produceLoop(ctx context.Context) {
	ticker := time.NewTicker(bp.cfg.TargetBlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-bp.closing:
			return
		case <-ticker.C:
			if err := bp.tryProduce(ctx); err != nil {
				bp.logger.WithField("err", err).Debug("production pass")
			}
		}
	}
}

func (bp *BlockProducer) tryProduce(ctx context.Context) error {
	parent := bp.ledger.TipHash()
	height := bp.ledger.LastBlockHeight() + 1
	proof, eligible := bp.proposerProof(parent, height)
	if !eligible {
		return nil
	}
	b, err := bp.AssembleBlock(ctx, proof)
	if err != nil {
		return err
	}
	if err := bp.fork.AddBlock(b); err != nil {
		return err
	}
	bp.afterConnect(b)
	payload, err := EncodeCanonical(b)
	if err != nil {
		return err
	}
	return bp.bcast.Broadcast(TopicBlocks, payload)
}

// proposerProof runs the proposer lottery. A chain with no staked
// validators yet (bootstrap) admits everyone.
func (bp *BlockProducer) proposerProof(parent Hash, height uint64) ([]byte, bool) {
	if bp.identity == nil {
		return nil, bp.ledger.TotalStake() == 0
	}
	total := bp.ledger.TotalStake()
	if total == 0 {
		proof, _ := VRFProve(bp.identity.VRF, proposerSeed(parent, height))
		return proof, true
	}
	v, ok := bp.ledger.GetValidator(bp.identity.Addr)
	if !ok {
		return nil, false
	}
	return ProveMembership(bp.identity.VRF, proposerSeed(parent, height),
		v.Stake, total, bp.cfg.ProposerExpected)
}

//---------------------------------------------------------------------
// Assembly
//---------------------------------------------------------------------

// AssembleBlock gathers pending transactions, internal resolution and
// slash transactions, the deterministic task and a freshly solved proof,
// then seals and signs the header.
func (bp *BlockProducer) AssembleBlock(ctx context.Context, vrfProof []byte) (*Block, error) {
	parent := bp.ledger.TipHash()
	height := bp.ledger.LastBlockHeight() + 1

	txs := bp.pool.Pick(bp.cfg.MaxBlockTxs, bp.ledger)
	internal, err := bp.internalTxs(txs)
	if err != nil {
		return nil, err
	}
	txs = append(txs, internal...)

	task := bp.deriveTask(parent, height)
	sol, err := bp.pouw.Solve(ctx, task)
	if err != nil {
		return nil, err
	}

	commitments, err := evalCommitmentsIn(txs)
	if err != nil {
		return nil, err
	}

	hdr := &BlockHeader{
		Height:     height,
		ParentHash: parent,
		Timestamp:  uint64(time.Now().Unix()),
		TxRoot:     ComputeTxRoot(txs),
		TaskID:     task.ID,
		Solution:   *sol,
		EvalRoot:   ComputeEvalRoot(commitments),
		Target:     bp.CurrentTarget(),
		Producer:   PubkeyToAddress(bp.key.PublicKey),
		VRFProof:   vrfProof,
	}
	b := &Block{Header: hdr, Txs: txs}

	stateRoot, err := bp.ledger.PreviewStateRoot(b)
	if err != nil {
		return nil, fmt.Errorf("assembly transitions: %w", err)
	}
	hdr.StateRoot = stateRoot
	if err := hdr.SignHeader(bp.key); err != nil {
		return nil, err
	}
	bp.logger.WithFields(logrus.Fields{
		"height": height, "txs": len(txs), "task": task.ID.Short(),
	}).Info("block assembled")
	return b, nil
}

// deriveTask binds the height's task to the job context: the open job of
// the earliest pending submission, baseline otherwise.
func (bp *BlockProducer) deriveTask(parent Hash, height uint64) *Task {
	pending := bp.ledger.PendingEvaluations()
	var job *Job
	var modelRoot Hash
	if len(pending) > 0 {
		if j, ok := bp.ledger.GetJob(pending[0].JobID); ok {
			job = &j
			modelRoot = pending[0].ModelRoot
		}
	}
	return GenerateTask(parent, height, job, modelRoot, Hash{}, bp.CurrentTarget())
}

// internalTxs emits the producer's own resolution and slash transactions:
// quorum-complete submissions resolve, queued outliers and on-chain
// equivocation evidence slash. Signed with the producer's account key.
func (bp *BlockProducer) internalTxs(picked []*Transaction) ([]*Transaction, error) {
	addr := PubkeyToAddress(bp.key.PublicKey)
	nonce := bp.ledger.AccountNonce(addr)
	for _, tx := range picked {
		if tx.From == addr && tx.Nonce >= nonce {
			nonce = tx.Nonce + 1
		}
	}
	now := uint64(time.Now().Unix())
	var out []*Transaction

	emit := func(tx *Transaction, err error) error {
		if err != nil {
			return err
		}
		if err := tx.Sign(bp.key); err != nil {
			return err
		}
		out = append(out, tx)
		nonce++
		return nil
	}

	// Resolve quorum-complete rounds.
	for _, sub := range bp.ledger.PendingEvaluations() {
		if bp.evals == nil || !bp.evals.QuorumReached(sub.ID, sub.Round) {
			continue
		}
		agg := bp.evals.Aggregate(sub.ID, sub.Round)
		if agg.Unresolved {
			continue // let the round time out on-chain
		}
		body := &RewardBody{SubmissionID: sub.ID, Score: agg.Score, Outliers: agg.Outliers}
		tx, err := NewRewardTx(body, 0, nonce, now)
		if err := emit(tx, err); err != nil {
			return nil, err
		}
	}

	// Queued outlier slashes.
	if bp.evals != nil {
		for _, slash := range bp.evals.DrainSlashes() {
			body := slash
			tx, err := NewSlashTx(&body, 0, nonce, now)
			if err := emit(tx, err); err != nil {
				return nil, err
			}
		}
	}

	// Equivocation evidence persisted by the state machine.
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, rec := range bp.ledger.Equivocations() {
		evid := DigestWithDomain(DomainCommit, rec.SubmissionID[:], rec.Signer[:], u32be(rec.Round))
		if _, done := bp.slashedEvid[evid]; done {
			continue
		}
		bp.slashedEvid[evid] = struct{}{}
		body := &SlashBody{
			Validator:  rec.Signer,
			FractionBp: 10_000,
			Reason:     "commitment equivocation",
			Evidence:   MustEncode(&rec),
		}
		tx, err := NewSlashTx(body, 0, nonce, now)
		if err := emit(tx, err); err != nil {
			return nil, err
		}
	}
	return out, nil
}

//---------------------------------------------------------------------
// Receive path
//---------------------------------------------------------------------

// ValidateBlock runs the full receive-path cascade. It does not apply the
// block; AddBlock does that through the fork choice.
func (bp *BlockProducer) ValidateBlock(ctx context.Context, b *Block) error {
	// 1. Structural.
	if b == nil || b.Header == nil {
		return fmt.Errorf("nil block")
	}
	hdr := b.Header
	if hdr.Target == nil || hdr.Target.Sign() <= 0 {
		return fmt.Errorf("missing difficulty target")
	}
	if bp.cfg.MaxBlockTxs > 0 && len(b.Txs) > bp.cfg.MaxBlockTxs {
		return fmt.Errorf("block carries %d txs, limit %d", len(b.Txs), bp.cfg.MaxBlockTxs)
	}

	// 2. Parent known.
	if hdr.Height > 1 {
		if _, ok := bp.ledger.BlockByHash(hdr.ParentHash); !ok && !bp.fork.Known(hdr.ParentHash) {
			return fmt.Errorf("%w: %s", ErrUnknownParent, hdr.ParentHash.Short())
		}
	}

	// 3. Timestamp skew.
	if skew := bp.cfg.MaxTimestampSkew; skew > 0 {
		now := time.Now()
		ts := time.Unix(int64(hdr.Timestamp), 0)
		if ts.After(now.Add(skew)) {
			return fmt.Errorf("%w: %v ahead", ErrFutureTime, ts.Sub(now))
		}
	}

	// 4. Producer signature and eligibility.
	if err := hdr.VerifyHeaderSig(); err != nil {
		return err
	}
	if total := bp.ledger.TotalStake(); total > 0 {
		v, ok := bp.ledger.GetValidator(hdr.Producer)
		if !ok {
			return fmt.Errorf("%w: producer %s unstaked", ErrNotEligible, hdr.Producer.Hex())
		}
		if !VerifyMembership(v.VRFPub, proposerSeed(hdr.ParentHash, hdr.Height),
			hdr.VRFProof, v.Stake, total, bp.cfg.ProposerExpected) {
			return fmt.Errorf("%w: producer lottery", ErrBadVRFProof)
		}
	}

	// 5. Transactions well-formed, nonces monotonic per sender.
	if ComputeTxRoot(b.Txs) != hdr.TxRoot {
		return fmt.Errorf("%w: tx root", ErrRootMismatch)
	}
	lastNonce := make(map[Address]uint64)
	for i, tx := range b.Txs {
		if err := tx.VerifySig(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		if prev, seen := lastNonce[tx.From]; seen && tx.Nonce != prev+1 {
			return fmt.Errorf("tx %d: %w", i, ErrNonceGap)
		}
		lastNonce[tx.From] = tx.Nonce
	}
	commitments, err := evalCommitmentsIn(b.Txs)
	if err != nil {
		return err
	}
	if ComputeEvalRoot(commitments) != hdr.EvalRoot {
		return fmt.Errorf("%w: evaluation commitment root", ErrRootMismatch)
	}

	// 6. Deterministic task derivation.
	expectedTarget := bp.CurrentTarget()
	if hdr.Target.Cmp(expectedTarget) != 0 {
		return fmt.Errorf("%w: target %s, want %s", ErrInvalidPoUW, hdr.Target, expectedTarget)
	}
	task := bp.deriveTask(hdr.ParentHash, hdr.Height)
	if task.ID != hdr.TaskID {
		return fmt.Errorf("%w: task %s, want %s", ErrInvalidPoUW, hdr.TaskID.Short(), task.ID.Short())
	}

	// 7. PoUW solution.
	if err := VerifySolution(ctx, task, &hdr.Solution); err != nil {
		return err
	}

	// 8–9. State transitions and state root are enforced during apply.
	return nil
}

// HandleBlock ingests a gossiped block: validate, insert, update local
// pools and consensus-side difficulty. Invalid blocks are discarded and
// never relayed.
func (bp *BlockProducer) HandleBlock(ctx context.Context, payload []byte, from NodeID) {
	var b Block
	if err := DecodeCanonical(payload, &b); err != nil {
		bp.logger.WithField("peer", from).Debug("undecodable block")
		return
	}
	if err := bp.ValidateBlock(ctx, &b); err != nil {
		bp.logger.WithFields(logrus.Fields{"peer": from, "err": err}).Warn("invalid block rejected")
		return
	}
	if err := bp.fork.AddBlock(&b); err != nil {
		bp.logger.WithFields(logrus.Fields{"peer": from, "err": err}).Warn("block not connected")
		return
	}
	bp.afterConnect(&b)
}

// HandleTx ingests a gossiped transaction into the mempool.
func (bp *BlockProducer) HandleTx(payload []byte, from NodeID) {
	var tx Transaction
	if err := DecodeCanonical(payload, &tx); err != nil {
		return
	}
	if err := bp.pool.AddTx(&tx); err != nil {
		bp.logger.WithFields(logrus.Fields{"peer": from, "err": err}).Debug("tx rejected")
	}
}

// afterConnect folds a newly canonical block into mempool and difficulty
// state, and kicks off committee duty for fresh submissions.
func (bp *BlockProducer) afterConnect(b *Block) {
	bp.pool.RemoveIncluded(b.Txs)
	bp.mu.Lock()
	hook := bp.onConnect
	bp.mu.Unlock()
	if hook != nil {
		hook(b)
	}

	// Difficulty window: finalized submissions contribute samples.
	for _, tx := range b.Txs {
		if tx.Type != TxRewardDistribution {
			continue
		}
		var body RewardBody
		if err := tx.DecodePayload(&body); err != nil || body.Reject {
			continue
		}
		if sub, ok := bp.ledger.GetSubmission(body.SubmissionID); ok {
			bp.diff.Observe(WindowSample{Accuracy: sub.Score, SolveTimeMS: sub.SolveTimeMS})
		}
	}
	if bp.cfg.DifficultyWindow > 0 && b.Header.Height%uint64(bp.cfg.DifficultyWindow) == 0 {
		bp.mu.Lock()
		bp.curTarget = bp.diff.Retarget(bp.curTarget)
		bp.mu.Unlock()
		bp.logger.WithField("target", bp.CurrentTarget().Text(16)).Info("difficulty retargeted")
	}

	// Committee duty for submissions that entered evaluation in this block.
	if bp.evals != nil {
		for _, tx := range b.Txs {
			if tx.Type != TxSubmission {
				continue
			}
			var body SubmissionBody
			if err := tx.DecodePayload(&body); err != nil {
				continue
			}
			if sub, ok := bp.ledger.GetSubmission(body.SubmissionID); ok {
				go bp.serveCommittee(sub, b.Header.ParentHash)
			}
		}
	}
}

// serveCommittee runs the member flow when the sortition selects us.
func (bp *BlockProducer) serveCommittee(sub Submission, parentHash Hash) {
	proof, selected := bp.evals.MembershipFor(&sub, parentHash)
	if !selected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bp.cfg.TargetBlockTime*4)
	defer cancel()

	task := bp.deriveTask(parentHash, sub.RoundStart)
	_, commitment, err := bp.evals.EvaluateSubmission(ctx, &sub, task)
	if err != nil {
		bp.logger.WithFields(logrus.Fields{"submission": sub.ID.Short(), "err": err}).
			Warn("committee evaluation failed")
		return
	}

	body := &EvalCommitBody{
		SubmissionID: sub.ID,
		Round:        sub.Round,
		Commitment:   commitment,
		VRFProof:     proof,
	}
	addr := PubkeyToAddress(bp.key.PublicKey)
	tx, err := NewEvalCommitTx(body, 0, bp.ledger.AccountNonce(addr), uint64(time.Now().Unix()))
	if err != nil {
		return
	}
	if err := tx.Sign(bp.key); err != nil {
		return
	}
	if err := bp.pool.AddTx(tx); err != nil {
		bp.logger.WithField("err", err).Debug("own commit tx rejected")
	}
	if payload, err := EncodeCanonical(tx); err == nil {
		_ = bp.bcast.Broadcast(TopicTx, payload)
	}
}
