package core

// Ledger – the blockchain state machine.
//
// Holds accounts, validators, jobs, submissions and evaluation commitments;
// applies blocks atomically; persists through a WAL plus periodic
// snapshots, replayed on startup. Rollback restores the exact prior state,
// so the state root after apply-then-rollback is byte-identical.
//
// All mutation goes through ApplyBlock. Readers get copies; nothing outside
// this file writes validator or account state.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// RewardShares split a finalized submission's escrow, in basis points.
type RewardShares struct {
	WorkerBp    uint32 `json:"worker_bp"`
	EvaluatorBp uint32 `json:"evaluator_bp"`
	ProtocolBp  uint32 `json:"protocol_bp"`
}

// LedgerConfig fixes the consensus parameters the state machine enforces.
type LedgerConfig struct {
	WALPath      string
	SnapshotPath string
	SnapshotInterval uint64

	GenesisAlloc map[Address]uint64

	MinStake               uint64
	UnbondingPeriodHeights uint64
	RoundTimeoutHeights    uint64
	MaxRounds              uint32
	CommitteeSize          uint32
	QuorumNumerator        uint32 // e.g. 2
	QuorumDenominator      uint32 // e.g. 3
	Rewards                RewardShares
	Treasury               Address
	SlashBurn              bool

	HistoryDepth int // retained rollback window
}

type commitKey struct {
	Sub    Hash
	Signer Address
	Round  uint32
}

// EquivocationRecord is on-chain evidence of a double commitment.
type EquivocationRecord struct {
	SubmissionID Hash    `json:"submission_id"`
	Round        uint32  `json:"round"`
	Signer       Address `json:"signer"`
	First        Hash    `json:"first"`
	Second       Hash    `json:"second"`
}

// ledgerState is everything the state root commits to.
type ledgerState struct {
	Accounts      map[Address]*Account
	Validators    map[Address]*Validator
	Jobs          map[Hash]*Job
	Submissions   map[Hash]*Submission
	Commitments   map[commitKey]Hash
	Equivocations []EquivocationRecord
	TotalSupply   uint64
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		Accounts:    make(map[Address]*Account),
		Validators:  make(map[Address]*Validator),
		Jobs:        make(map[Hash]*Job),
		Submissions: make(map[Hash]*Submission),
		Commitments: make(map[commitKey]Hash),
	}
}

func (st *ledgerState) clone() *ledgerState {
	out := newLedgerState()
	out.TotalSupply = st.TotalSupply
	for a, acct := range st.Accounts {
		cp := *acct
		cp.Unbonding = append([]UnbondingEntry(nil), acct.Unbonding...)
		out.Accounts[a] = &cp
	}
	for a, v := range st.Validators {
		cp := *v
		cp.BLSPub = append([]byte(nil), v.BLSPub...)
		cp.VRFPub = append([]byte(nil), v.VRFPub...)
		out.Validators[a] = &cp
	}
	for h, j := range st.Jobs {
		cp := *j
		out.Jobs[h] = &cp
	}
	for h, s := range st.Submissions {
		cp := *s
		out.Submissions[h] = &cp
	}
	for k, v := range st.Commitments {
		out.Commitments[k] = v
	}
	out.Equivocations = append([]EquivocationRecord(nil), st.Equivocations...)
	return out
}

func (st *ledgerState) account(a Address) *Account {
	acct, ok := st.Accounts[a]
	if !ok {
		acct = &Account{}
		st.Accounts[a] = acct
	}
	return acct
}

// Ledger owns the canonical chain and its state.
type Ledger struct {
	mu     sync.RWMutex
	logger *logrus.Logger
	cfg    LedgerConfig

	blocks     []*Block
	blockIndex map[Hash]*Block
	state      *ledgerState
	history    map[uint64]*ledgerState // state after the block at height h

	walFile *os.File
}

// NewLedger initializes a ledger, loading a snapshot if present and
// replaying the WAL. The WAL is closed again if initialisation fails.
func NewLedger(cfg LedgerConfig, lg *logrus.Logger) (l *Ledger, err error) {
	if cfg.HistoryDepth == 0 {
		cfg.HistoryDepth = 128
	}
	l = &Ledger{
		logger:     lg,
		cfg:        cfg,
		blockIndex: make(map[Hash]*Block),
		state:      newLedgerState(),
		history:    make(map[uint64]*ledgerState),
	}
	for addr, amount := range cfg.GenesisAlloc {
		l.state.account(addr).Balance = amount
		l.state.TotalSupply += amount
	}
	l.history[0] = l.state.clone()

	if cfg.SnapshotPath != "" {
		if err := l.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}
	if cfg.WALPath != "" {
		wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open WAL: %w", err)
		}
		defer func() {
			if err != nil {
				_ = wal.Close()
			}
		}()
		l.walFile = wal
		scanner := bufio.NewScanner(wal)
		scanner.Buffer(make([]byte, 1<<20), 64<<20)
		for scanner.Scan() {
			var blk Block
			if err = json.Unmarshal(scanner.Bytes(), &blk); err != nil {
				return nil, fmt.Errorf("WAL unmarshal: %w", err)
			}
			if blk.Header.Height <= l.lastHeightLocked() {
				continue // already in the snapshot
			}
			if err = l.applyLocked(&blk, false); err != nil {
				return nil, fmt.Errorf("WAL replay height %d: %w", blk.Header.Height, err)
			}
		}
		if err = scanner.Err(); err != nil {
			return nil, fmt.Errorf("WAL scan: %w", err)
		}
	}
	return l, nil
}

// Close flushes and releases the WAL.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.walFile != nil {
		return l.walFile.Close()
	}
	return nil
}

//---------------------------------------------------------------------
// Chain queries
//---------------------------------------------------------------------

func (l *Ledger) lastHeightLocked() uint64 {
	if len(l.blocks) == 0 {
		return 0
	}
	return l.blocks[len(l.blocks)-1].Header.Height
}

// LastBlockHeight returns the canonical tip height (0 when empty).
func (l *Ledger) LastBlockHeight() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHeightLocked()
}

// TipHash returns the canonical tip hash, zero when the chain is empty.
func (l *Ledger) TipHash() Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.blocks) == 0 {
		return Hash{}
	}
	return l.blocks[len(l.blocks)-1].Hash()
}

// BlockByHash looks a block up in the canonical chain.
func (l *Ledger) BlockByHash(h Hash) (*Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.blockIndex[h]
	return b, ok
}

// BlockByHeight returns the canonical block at height.
func (l *Ledger) BlockByHeight(h uint64) (*Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.blocks {
		if b.Header.Height == h {
			return b, true
		}
	}
	return nil, false
}

//---------------------------------------------------------------------
// State queries (copies; callers never see live maps)
//---------------------------------------------------------------------

// AccountNonce implements the mempool's nonceReader.
func (l *Ledger) AccountNonce(a Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.state.Accounts[a]; ok {
		return acct.Nonce
	}
	return 0
}

// GetAccount returns a copy of the account record.
func (l *Ledger) GetAccount(a Address) Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.state.Accounts[a]; ok {
		cp := *acct
		cp.Unbonding = append([]UnbondingEntry(nil), acct.Unbonding...)
		return cp
	}
	return Account{}
}

// GetValidator returns a copy, reporting presence.
func (l *Ledger) GetValidator(a Address) (Validator, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.state.Validators[a]; ok {
		return *v, true
	}
	return Validator{}, false
}

// Validators lists validators with stake at or above the minimum, sorted
// by address for deterministic iteration.
func (l *Ledger) Validators() []Validator {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Validator, 0, len(l.state.Validators))
	for _, v := range l.state.Validators {
		if v.Stake >= l.cfg.MinStake {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Hex() < out[j].Addr.Hex() })
	return out
}

// TotalStake sums eligible validator stake.
func (l *Ledger) TotalStake() uint64 {
	var sum uint64
	for _, v := range l.Validators() {
		sum += v.Stake
	}
	return sum
}

// GetJob returns a copy of a job record.
func (l *Ledger) GetJob(id Hash) (Job, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if j, ok := l.state.Jobs[id]; ok {
		return *j, true
	}
	return Job{}, false
}

// GetSubmission returns a copy of a submission record.
func (l *Ledger) GetSubmission(id Hash) (Submission, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.state.Submissions[id]; ok {
		return *s, true
	}
	return Submission{}, false
}

// PendingEvaluations lists submissions currently under evaluation.
func (l *Ledger) PendingEvaluations() []Submission {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Submission
	for _, s := range l.state.Submissions {
		if s.State == SubmissionUnderEvaluation {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

// Equivocations returns the accumulated on-chain evidence.
func (l *Ledger) Equivocations() []EquivocationRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]EquivocationRecord(nil), l.state.Equivocations...)
}

// CommitmentCount counts on-chain commitments for a submission round.
func (l *Ledger) CommitmentCount(sub Hash, round uint32) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for k := range l.state.Commitments {
		if k.Sub == sub && k.Round == round {
			n++
		}
	}
	return n
}

// CommitmentFor returns the on-chain commitment by one signer, if any.
func (l *Ledger) CommitmentFor(sub Hash, signer Address, round uint32) (Hash, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.state.Commitments[commitKey{Sub: sub, Signer: signer, Round: round}]
	return h, ok
}

// TotalSupply returns the current token supply.
func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.TotalSupply
}

//---------------------------------------------------------------------
// State root
//---------------------------------------------------------------------

// StateRoot commits to the full state: a Merkle tree over the sorted
// (key, canonical-JSON-value) pairs of every state table.
func (l *Ledger) StateRoot() Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return stateRootOf(l.state)
}

func stateRootOf(st *ledgerState) Hash {
	type kv struct {
		key string
		val []byte
	}
	var pairs []kv
	add := func(key string, v interface{}) {
		b, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Errorf("state encode %s: %w", key, err))
		}
		pairs = append(pairs, kv{key: key, val: b})
	}
	for a, acct := range st.Accounts {
		add("a:"+a.Hex(), acct)
	}
	for a, v := range st.Validators {
		add("v:"+a.Hex(), v)
	}
	for h, j := range st.Jobs {
		add("j:"+h.Hex(), j)
	}
	for h, s := range st.Submissions {
		add("s:"+h.Hex(), s)
	}
	for k, c := range st.Commitments {
		add(fmt.Sprintf("c:%s:%s:%d", k.Sub.Hex(), k.Signer.Hex(), k.Round), c.Hex())
	}
	for i, e := range st.Equivocations {
		add(fmt.Sprintf("e:%06d", i), e)
	}
	add("supply", st.TotalSupply)

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	leaves := make([]Hash, len(pairs))
	for i, p := range pairs {
		leaves[i] = DigestWithDomain(DomainState, []byte(p.key), p.val)
	}
	return ComputeMerkleRoot(DomainState, leaves)
}

//---------------------------------------------------------------------
// Block application
//---------------------------------------------------------------------

// PreviewStateRoot runs a block's transitions against a copy of the state
// and returns the resulting root without committing. Producers use it to
// fill the header before signing.
func (l *Ledger) PreviewStateRoot(b *Block) (Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clone, err := l.transition(b)
	if err != nil {
		return Hash{}, err
	}
	return stateRootOf(clone), nil
}

// ApplyBlock validates the block's transitions against current state and
// commits them atomically, persisting to the WAL.
func (l *Ledger) ApplyBlock(b *Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(b, true)
}

func (l *Ledger) applyLocked(b *Block, persist bool) error {
	h := b.Header.Height
	if want := l.lastHeightLocked() + 1; len(l.blocks) > 0 && h != want {
		return fmt.Errorf("apply height %d, want %d", h, want)
	}
	if len(l.blocks) > 0 && b.Header.ParentHash != l.blocks[len(l.blocks)-1].Hash() {
		return fmt.Errorf("%w: parent %s", ErrUnknownParent, b.Header.ParentHash.Short())
	}

	clone, err := l.transition(b)
	if err != nil {
		return err
	}
	if !b.Header.StateRoot.IsZero() && stateRootOf(clone) != b.Header.StateRoot {
		return fmt.Errorf("%w: height %d", ErrStateRootMismatch, h)
	}

	l.state = clone
	l.blocks = append(l.blocks, b)
	l.blockIndex[b.Hash()] = b
	l.history[h] = clone.clone()
	if old := int64(h) - int64(l.cfg.HistoryDepth); old > 0 {
		delete(l.history, uint64(old))
	}

	if persist && l.walFile != nil {
		line, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("WAL marshal: %w", err)
		}
		if _, err := l.walFile.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("%w: WAL append: %v", ErrStorage, err)
		}
		if l.cfg.SnapshotInterval > 0 && h%l.cfg.SnapshotInterval == 0 {
			if err := l.writeSnapshotLocked(); err != nil {
				l.logger.WithField("err", err).Warn("snapshot write failed")
			}
		}
	}
	l.logger.WithFields(logrus.Fields{
		"height": h, "txs": len(b.Txs), "hash": b.Hash().Short(),
	}).Info("block applied")
	return nil
}

// RollbackTip removes the tip block and restores the previous state.
func (l *Ledger) RollbackTip() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return fmt.Errorf("nothing to roll back")
	}
	tip := l.blocks[len(l.blocks)-1]
	prev, ok := l.history[tip.Header.Height-1]
	if !ok {
		return fmt.Errorf("rollback past retained history (height %d)", tip.Header.Height)
	}
	delete(l.blockIndex, tip.Hash())
	delete(l.history, tip.Header.Height)
	l.blocks = l.blocks[:len(l.blocks)-1]
	l.state = prev.clone()
	l.logger.WithField("height", tip.Header.Height).Warn("block rolled back")
	return nil
}

// transition computes the post-block state on a clone.
func (l *Ledger) transition(b *Block) (*ledgerState, error) {
	st := l.state.clone()
	h := b.Header.Height

	var fees uint64
	for i, tx := range b.Txs {
		if err := l.applyTx(st, tx, b.Header); err != nil {
			return nil, fmt.Errorf("tx %d (%s): %w", i, tx.Type, err)
		}
		fees += tx.Fee
	}
	if fees > 0 {
		st.account(b.Header.Producer).Balance += fees
	}

	l.releaseUnbondings(st, h)
	l.advanceEvaluationRounds(st, h)
	return st, nil
}

func (l *Ledger) applyTx(st *ledgerState, tx *Transaction, hdr *BlockHeader) error {
	height := hdr.Height
	if err := tx.VerifySig(); err != nil {
		return err
	}
	acct := st.account(tx.From)
	if tx.Nonce != acct.Nonce {
		return fmt.Errorf("%w: got %d, want %d", ErrNonceGap, tx.Nonce, acct.Nonce)
	}
	need := tx.Value + tx.Fee
	if acct.Balance < need {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, need, acct.Balance)
	}

	switch tx.Type {
	case TxTransfer:
		acct.Balance -= need
		st.account(tx.To).Balance += tx.Value

	case TxStake:
		var body StakeBody
		if err := tx.DecodePayload(&body); err != nil {
			return err
		}
		acct.Balance -= need
		acct.Bonded += tx.Value
		v, ok := st.Validators[tx.From]
		if !ok {
			v = &Validator{Addr: tx.From, BLSPub: body.BLSPub, VRFPub: body.VRFPub}
			st.Validators[tx.From] = v
		}
		v.Stake += tx.Value
		v.LastActive = height
		if v.Stake < l.cfg.MinStake {
			return fmt.Errorf("%w: %d < %d", ErrStakeBelowMin, v.Stake, l.cfg.MinStake)
		}

	case TxUnstake:
		var body UnstakeBody
		if err := tx.DecodePayload(&body); err != nil {
			return err
		}
		v, ok := st.Validators[tx.From]
		if !ok || v.Stake < body.Amount {
			return fmt.Errorf("%w: unstake %d", ErrStakeBelowMin, body.Amount)
		}
		acct.Balance -= tx.Fee
		v.Stake -= body.Amount
		acct.Bonded -= body.Amount
		acct.Unbonding = append(acct.Unbonding, UnbondingEntry{
			Amount:        body.Amount,
			ReleaseHeight: height + l.cfg.UnbondingPeriodHeights,
		})

	case TxJobPosting:
		var body JobPostingBody
		if err := tx.DecodePayload(&body); err != nil {
			return err
		}
		if _, exists := st.Jobs[body.JobID]; exists {
			return fmt.Errorf("job %s already posted", body.JobID.Short())
		}
		acct.Balance -= need
		st.Jobs[body.JobID] = &Job{
			ID:        body.JobID,
			Poster:    tx.From,
			Reward:    tx.Value,
			DatasetID: body.DatasetID,
			ModelSpec: body.ModelSpec,
			Escrow:    tx.Value,
			PostedAt:  height,
		}

	case TxSubmission:
		var body SubmissionBody
		if err := tx.DecodePayload(&body); err != nil {
			return err
		}
		job, ok := st.Jobs[body.JobID]
		if !ok || job.Completed {
			return fmt.Errorf("job %s not open", body.JobID.Short())
		}
		if _, exists := st.Submissions[body.SubmissionID]; exists {
			return fmt.Errorf("submission %s already recorded", body.SubmissionID.Short())
		}
		acct.Balance -= tx.Fee
		st.Submissions[body.SubmissionID] = &Submission{
			ID:             body.SubmissionID,
			JobID:          body.JobID,
			Worker:         tx.From,
			ModelRoot:      body.ModelRoot,
			Solution:       body.Solution,
			DeclaredMetric: body.DeclaredMetric,
			State:          SubmissionUnderEvaluation,
			Round:          1,
			RoundStart:     height,
			SolveTimeMS:    body.SolveTimeMS,
		}

	case TxEvalCommit:
		var body EvalCommitBody
		if err := tx.DecodePayload(&body); err != nil {
			return err
		}
		v, ok := st.Validators[tx.From]
		if !ok || v.Stake < l.cfg.MinStake {
			return fmt.Errorf("%w: %s", ErrNotCommittee, tx.From.Hex())
		}
		sub, ok := st.Submissions[body.SubmissionID]
		if !ok || sub.State != SubmissionUnderEvaluation {
			return fmt.Errorf("submission %s not under evaluation", body.SubmissionID.Short())
		}
		if body.Round != sub.Round {
			return fmt.Errorf("commit for round %d, submission in round %d", body.Round, sub.Round)
		}
		seed := CommitteeSeed(l.selectionParent(st, sub, hdr), sub.ID, sub.Round)
		if !VerifyMembership(v.VRFPub, seed, body.VRFProof, v.Stake,
			eligibleStake(st, l.cfg.MinStake), l.cfg.CommitteeSize) {
			return fmt.Errorf("%w: sortition proof for %s", ErrBadVRFProof, tx.From.Hex())
		}
		acct.Balance -= tx.Fee
		key := commitKey{Sub: body.SubmissionID, Signer: tx.From, Round: body.Round}
		if prev, dup := st.Commitments[key]; dup {
			if prev == body.Commitment {
				return fmt.Errorf("%w: %s round %d", ErrDuplicateEval, tx.From.Hex(), body.Round)
			}
			// Conflicting commitment: keep the first, persist the evidence.
			st.Equivocations = append(st.Equivocations, EquivocationRecord{
				SubmissionID: body.SubmissionID,
				Round:        body.Round,
				Signer:       tx.From,
				First:        prev,
				Second:       body.Commitment,
			})
			v.Reputation--
			break
		}
		st.Commitments[key] = body.Commitment
		v.LastActive = height

	case TxRewardDistribution:
		var body RewardBody
		if err := tx.DecodePayload(&body); err != nil {
			return err
		}
		acct.Balance -= tx.Fee
		if err := l.resolveSubmission(st, &body, height); err != nil {
			return err
		}

	case TxSlash:
		var body SlashBody
		if err := tx.DecodePayload(&body); err != nil {
			return err
		}
		acct.Balance -= tx.Fee
		if err := l.applySlash(st, &body); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown transaction type %d", tx.Type)
	}

	acct.Nonce++
	return nil
}

// resolveSubmission finalizes or rejects a submission under evaluation.
func (l *Ledger) resolveSubmission(st *ledgerState, body *RewardBody, height uint64) error {
	sub, ok := st.Submissions[body.SubmissionID]
	if !ok || sub.State != SubmissionUnderEvaluation {
		return fmt.Errorf("submission %s not resolvable", body.SubmissionID.Short())
	}
	job, ok := st.Jobs[sub.JobID]
	if !ok {
		return fmt.Errorf("job %s missing", sub.JobID.Short())
	}

	if body.Reject {
		sub.State = SubmissionRejected
		st.account(job.Poster).Balance += job.Escrow
		job.Escrow = 0
		job.Completed = true
		return nil
	}

	// Quorum check: ≥ quorum_fraction of the committee committed on-chain.
	quorum := int((l.cfg.CommitteeSize*l.cfg.QuorumNumerator + l.cfg.QuorumDenominator - 1) / l.cfg.QuorumDenominator)
	var committers []Address
	for k := range st.Commitments {
		if k.Sub == sub.ID && k.Round == sub.Round {
			committers = append(committers, k.Signer)
		}
	}
	if len(committers) < quorum {
		return fmt.Errorf("%w: %d commitments, quorum %d", ErrNotCommittee, len(committers), quorum)
	}
	sort.Slice(committers, func(i, j int) bool { return committers[i].Hex() < committers[j].Hex() })

	outlier := make(map[Address]struct{}, len(body.Outliers))
	for _, a := range body.Outliers {
		outlier[a] = struct{}{}
	}
	var evaluators []Address
	for _, a := range committers {
		if _, bad := outlier[a]; !bad {
			evaluators = append(evaluators, a)
		}
	}

	escrow := job.Escrow
	workerCut := escrow * uint64(l.cfg.Rewards.WorkerBp) / 10_000
	evalCut := escrow * uint64(l.cfg.Rewards.EvaluatorBp) / 10_000
	protocolCut := escrow - workerCut - evalCut

	st.account(sub.Worker).Balance += workerCut
	if len(evaluators) > 0 {
		per := evalCut / uint64(len(evaluators))
		rem := evalCut - per*uint64(len(evaluators))
		for _, a := range evaluators {
			st.account(a).Balance += per
		}
		protocolCut += rem // dust joins the protocol share
	} else {
		protocolCut += evalCut
	}
	st.account(l.cfg.Treasury).Balance += protocolCut

	sub.State = SubmissionFinalized
	sub.Score = body.Score
	job.Escrow = 0
	job.Completed = true
	return nil
}

func (l *Ledger) applySlash(st *ledgerState, body *SlashBody) error {
	v, ok := st.Validators[body.Validator]
	if !ok {
		return fmt.Errorf("%w: validator %s", ErrNotFound, body.Validator.Hex())
	}
	if body.FractionBp == 0 || body.FractionBp > 10_000 {
		return fmt.Errorf("slash fraction %d bp out of range", body.FractionBp)
	}
	amount := v.Stake * uint64(body.FractionBp) / 10_000
	if amount > v.Stake {
		amount = v.Stake
	}
	v.Stake -= amount
	v.Offenses++
	v.Reputation--

	acct := st.account(body.Validator)
	if acct.Bonded >= amount {
		acct.Bonded -= amount
	} else {
		acct.Bonded = 0
	}
	if l.cfg.SlashBurn {
		st.TotalSupply -= amount
	} else {
		st.account(l.cfg.Treasury).Balance += amount
	}
	l.logger.WithFields(logrus.Fields{
		"validator": body.Validator.Hex(), "bp": body.FractionBp,
		"amount": amount, "reason": body.Reason,
	}).Warn("validator slashed")
	return nil
}

// selectionParent is the stable hash seeding a submission round's
// sortition: the parent of the block in which the round opened.
func (l *Ledger) selectionParent(st *ledgerState, sub *Submission, hdr *BlockHeader) Hash {
	if sub.RoundStart == hdr.Height {
		return hdr.ParentHash
	}
	for _, b := range l.blocks {
		if b.Header.Height == sub.RoundStart {
			return b.Header.ParentHash
		}
	}
	return hdr.ParentHash
}

func eligibleStake(st *ledgerState, minStake uint64) uint64 {
	var sum uint64
	for _, v := range st.Validators {
		if v.Stake >= minStake {
			sum += v.Stake
		}
	}
	return sum
}

// releaseUnbondings moves matured unbonding entries back to liquid balance.
func (l *Ledger) releaseUnbondings(st *ledgerState, height uint64) {
	for _, acct := range st.Accounts {
		if len(acct.Unbonding) == 0 {
			continue
		}
		kept := acct.Unbonding[:0]
		for _, e := range acct.Unbonding {
			if e.ReleaseHeight <= height {
				acct.Balance += e.Amount
			} else {
				kept = append(kept, e)
			}
		}
		acct.Unbonding = kept
	}
}

// advanceEvaluationRounds applies the height-measured round timeouts: an
// expired round reopens as the next one, up to the cap, after which the
// submission is Unresolved and the poster's escrow refunded.
func (l *Ledger) advanceEvaluationRounds(st *ledgerState, height uint64) {
	if l.cfg.RoundTimeoutHeights == 0 {
		return
	}
	for _, sub := range st.Submissions {
		if sub.State != SubmissionUnderEvaluation {
			continue
		}
		if height < sub.RoundStart+l.cfg.RoundTimeoutHeights {
			continue
		}
		if sub.Round >= l.cfg.MaxRounds {
			sub.State = SubmissionUnresolved
			if job, ok := st.Jobs[sub.JobID]; ok && job.Escrow > 0 {
				st.account(job.Poster).Balance += job.Escrow
				job.Escrow = 0
				job.Completed = true
			}
			continue
		}
		sub.Round++
		sub.RoundStart = height
	}
}

//---------------------------------------------------------------------
// Snapshot persistence
//---------------------------------------------------------------------

type commitRecord struct {
	Sub        Hash    `json:"sub"`
	Signer     Address `json:"signer"`
	Round      uint32  `json:"round"`
	Commitment Hash    `json:"commitment"`
}

type snapshotDoc struct {
	Blocks        []*Block               `json:"blocks"`
	Accounts      map[string]*Account    `json:"accounts"`
	Validators    map[string]*Validator  `json:"validators"`
	Jobs          map[string]*Job        `json:"jobs"`
	Submissions   map[string]*Submission `json:"submissions"`
	Commitments   []commitRecord         `json:"commitments"`
	Equivocations []EquivocationRecord   `json:"equivocations"`
	TotalSupply   uint64                 `json:"total_supply"`
}

func (l *Ledger) writeSnapshotLocked() error {
	doc := snapshotDoc{
		Blocks:        l.blocks,
		Accounts:      make(map[string]*Account),
		Validators:    make(map[string]*Validator),
		Jobs:          make(map[string]*Job),
		Submissions:   make(map[string]*Submission),
		Equivocations: l.state.Equivocations,
		TotalSupply:   l.state.TotalSupply,
	}
	for a, acct := range l.state.Accounts {
		doc.Accounts[a.Hex()] = acct
	}
	for a, v := range l.state.Validators {
		doc.Validators[a.Hex()] = v
	}
	for h, j := range l.state.Jobs {
		doc.Jobs[h.Hex()] = j
	}
	for h, s := range l.state.Submissions {
		doc.Submissions[h.Hex()] = s
	}
	for k, c := range l.state.Commitments {
		doc.Commitments = append(doc.Commitments, commitRecord{
			Sub: k.Sub, Signer: k.Signer, Round: k.Round, Commitment: c,
		})
	}
	b, err := json.Marshal(&doc)
	if err != nil {
		return err
	}
	tmp := l.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return os.Rename(tmp, l.cfg.SnapshotPath)
}

func (l *Ledger) loadSnapshot() error {
	raw, err := os.ReadFile(l.cfg.SnapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	st := newLedgerState()
	st.TotalSupply = doc.TotalSupply
	st.Equivocations = doc.Equivocations
	for s, acct := range doc.Accounts {
		a, err := AddressFromHex(s)
		if err != nil {
			return err
		}
		st.Accounts[a] = acct
	}
	for s, v := range doc.Validators {
		a, err := AddressFromHex(s)
		if err != nil {
			return err
		}
		st.Validators[a] = v
	}
	for s, j := range doc.Jobs {
		h, err := HashFromHex(s)
		if err != nil {
			return err
		}
		st.Jobs[h] = j
	}
	for s, sub := range doc.Submissions {
		h, err := HashFromHex(s)
		if err != nil {
			return err
		}
		st.Submissions[h] = sub
	}
	for _, rec := range doc.Commitments {
		st.Commitments[commitKey{Sub: rec.Sub, Signer: rec.Signer, Round: rec.Round}] = rec.Commitment
	}
	l.state = st
	l.blocks = doc.Blocks
	for _, b := range l.blocks {
		l.blockIndex[b.Hash()] = b
	}
	if len(l.blocks) > 0 {
		l.history[l.lastHeightLocked()] = st.clone()
	}
	return nil
}
