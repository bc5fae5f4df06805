package core

// Evaluation committee protocol – agreeing on the quality of submitted
// work without every validator re-training.
//
// Committee members are chosen by stake-weighted VRF sortition. Each
// member scores the model through the substrate, gossips the signed
// evaluation and anchors H(signed_evaluation) on-chain. Aggregation is a
// pure function of the surviving evaluations: median, MAD outlier
// rejection, stake-weighted mean. Outliers and equivocators are queued
// for slashing.

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// EvaluationConfig mirrors the consensus.* committee surface.
type EvaluationConfig struct {
	CommitteeSize     uint32
	QuorumNumerator   uint32
	QuorumDenominator uint32
	MinEvaluations    uint32
	OutlierMADFactor  uint32 // deviations beyond factor×MAD are outliers
	MetricTolerance   Metric // substrate determinism tolerance (MAD=0 fallback)

	SlashInitialBp      uint32
	SlashEscalationBp   uint32
	SlashEquivocationBp uint32
	OffenseWindowHeights uint64
}

// CommitteeSeed derives the sortition seed for one submission round from
// stable on-chain values.
func CommitteeSeed(parentHash Hash, submissionID Hash, round uint32) []byte {
	d := DigestWithDomain(DomainVRF, parentHash[:], submissionID[:], u32be(round))
	return d[:]
}

// ProveMembership runs the local validator's sortition for a committee.
func ProveMembership(priv ed25519.PrivateKey, seed []byte, stake, totalStake uint64, committeeSize uint32) (proof []byte, selected bool) {
	proof, output := VRFProve(priv, seed)
	return proof, SortitionSelected(output, stake, totalStake, committeeSize)
}

// VerifyMembership checks another validator's sortition proof.
func VerifyMembership(pub ed25519.PublicKey, seed, proof []byte, stake, totalStake uint64, committeeSize uint32) bool {
	output, ok := VRFVerify(pub, seed, proof)
	if !ok {
		return false
	}
	return SortitionSelected(output, stake, totalStake, committeeSize)
}

//---------------------------------------------------------------------
// Evaluation signing
//---------------------------------------------------------------------

// EvaluationDigest is the signed portion of an evaluation.
func EvaluationDigest(ev *Evaluation) Hash {
	return DigestWithDomain(DomainEval,
		ev.SubmissionID[:],
		u32be(ev.Round),
		u32be(uint32(ev.Metric)),
		u64be(ev.WallTimeMS),
		ev.Signer[:],
	)
}

// SignEvaluation fills Sig with the validator's BLS signature.
func SignEvaluation(key *BLSKey, ev *Evaluation) {
	d := EvaluationDigest(ev)
	ev.Sig = key.Sign(d[:])
}

// VerifyEvaluationSig checks the BLS signature against the signer's key.
func VerifyEvaluationSig(blsPub []byte, ev *Evaluation) bool {
	d := EvaluationDigest(ev)
	return VerifyBLS(blsPub, d[:], ev.Sig)
}

// CommitmentOf is H(signed_evaluation): the on-chain anchor for a gossiped
// payload.
func CommitmentOf(ev *Evaluation) Hash {
	d := EvaluationDigest(ev)
	return DigestWithDomain(DomainCommit, d[:], ev.Sig)
}

//---------------------------------------------------------------------
// Aggregation (pure)
//---------------------------------------------------------------------

// AggregationResult is the deterministic outcome of one committee round.
type AggregationResult struct {
	Score      Metric
	Evaluators []Address
	Outliers   []Address
	Quorum     bool
	Unresolved bool
}

// stakeOf is the aggregation's narrow view of validator stake.
type stakeOf func(Address) uint64

// AggregateEvaluations folds the surviving evaluations of one round:
//
//  1. caller has already discarded payloads whose on-chain commitment
//     does not match,
//  2. median metric,
//  3. outliers beyond factor×MAD of the median (tolerance-based when the
//     MAD collapses to zero),
//  4. consensus = stake-weighted mean of the rest.
//
// Deterministic: evaluations are processed in signer order.
func AggregateEvaluations(cfg EvaluationConfig, evals []*Evaluation, stake stakeOf) AggregationResult {
	if uint32(len(evals)) < cfg.MinEvaluations {
		return AggregationResult{Unresolved: true}
	}
	sorted := append([]*Evaluation(nil), evals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Signer.Hex() < sorted[j].Signer.Hex() })

	metrics := make([]uint64, len(sorted))
	for i, ev := range sorted {
		metrics[i] = uint64(ev.Metric)
	}
	med := medianU64(metrics)

	// Median absolute deviation.
	devs := make([]uint64, len(metrics))
	for i, m := range metrics {
		devs[i] = absDiff(m, med)
	}
	mad := medianU64(devs)

	threshold := uint64(cfg.OutlierMADFactor) * mad
	if mad == 0 {
		threshold = uint64(cfg.MetricTolerance)
	}

	var (
		res        AggregationResult
		weightSum  uint64
		weightedMx uint64
	)
	for _, ev := range sorted {
		if absDiff(uint64(ev.Metric), med) > threshold {
			res.Outliers = append(res.Outliers, ev.Signer)
			continue
		}
		w := stake(ev.Signer)
		if w == 0 {
			w = 1
		}
		weightSum += w
		weightedMx += w * uint64(ev.Metric)
		res.Evaluators = append(res.Evaluators, ev.Signer)
	}
	if uint32(len(res.Evaluators)) < cfg.MinEvaluations {
		return AggregationResult{Unresolved: true, Outliers: res.Outliers}
	}
	res.Score = Metric(weightedMx / weightSum)
	res.Quorum = true
	return res
}

func medianU64(in []uint64) uint64 {
	if len(in) == 0 {
		return 0
	}
	s := append([]uint64(nil), in...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

//---------------------------------------------------------------------
// Manager – the running committee member
//---------------------------------------------------------------------

// ValidatorIdentity bundles the local validator's keys.
type ValidatorIdentity struct {
	Addr Address
	BLS  *BLSKey
	VRF  ed25519.PrivateKey
}

// EvaluationManager drives the local node's committee duty and collects
// gossiped evaluations for aggregation.
type EvaluationManager struct {
	cfg       EvaluationConfig
	logger    *logrus.Logger
	ledger    *Ledger
	registry  *Registry
	transfer  *TransferEngine
	store     *ChunkStore
	substrate UsefulWorkSubstrate
	bcast     TopicBroadcaster
	identity  *ValidatorIdentity

	mu      sync.Mutex
	evals   map[Hash]map[uint32]map[Address]*Evaluation // submission → round → signer
	slashes []SlashBody
}

// NewEvaluationManager wires the committee protocol. identity may be nil
// for observer nodes that only aggregate.
func NewEvaluationManager(cfg EvaluationConfig, led *Ledger, reg *Registry,
	tr *TransferEngine, store *ChunkStore, sub UsefulWorkSubstrate,
	bcast TopicBroadcaster, id *ValidatorIdentity, lg *logrus.Logger) *EvaluationManager {

	return &EvaluationManager{
		cfg:       cfg,
		logger:    lg,
		ledger:    led,
		registry:  reg,
		transfer:  tr,
		store:     store,
		substrate: sub,
		bcast:     bcast,
		identity:  id,
		evals:     make(map[Hash]map[uint32]map[Address]*Evaluation),
	}
}

// MembershipFor runs sortition for a submission round, returning the proof
// when this node is selected.
func (em *EvaluationManager) MembershipFor(sub *Submission, parentHash Hash) ([]byte, bool) {
	if em.identity == nil {
		return nil, false
	}
	v, ok := em.ledger.GetValidator(em.identity.Addr)
	if !ok {
		return nil, false
	}
	seed := CommitteeSeed(parentHash, sub.ID, sub.Round)
	return ProveMembership(em.identity.VRF, seed, v.Stake, em.ledger.TotalStake(), em.cfg.CommitteeSize)
}

// EvaluateSubmission performs the full member flow: fetch the model and
// the job's validation dataset, score through the substrate, sign, gossip,
// and return the signed evaluation plus its on-chain commitment.
func (em *EvaluationManager) EvaluateSubmission(ctx context.Context, sub *Submission, task *Task) (*Evaluation, Hash, error) {
	if em.identity == nil {
		return nil, Hash{}, fmt.Errorf("%w: node has no validator identity", ErrNotCommittee)
	}
	job, ok := em.ledger.GetJob(sub.JobID)
	if !ok {
		return nil, Hash{}, fmt.Errorf("%w: job %s", ErrNotFound, sub.JobID.Short())
	}

	model, err := em.fetchByRoot(ctx, sub.ModelRoot)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("fetch model: %w", err)
	}
	dataset, err := em.fetchByLogical(ctx, job.DatasetID)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("fetch dataset: %w", err)
	}

	result, err := em.substrate.Execute(ctx, task, model, dataset)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("substrate: %w", err)
	}

	ev := &Evaluation{
		SubmissionID: sub.ID,
		Round:        sub.Round,
		Metric:       result.Metric,
		WallTimeMS:   uint64(result.WallTime.Milliseconds()),
		Signer:       em.identity.Addr,
	}
	SignEvaluation(em.identity.BLS, ev)

	payload, err := EncodeCanonical(ev)
	if err != nil {
		return nil, Hash{}, err
	}
	if err := em.bcast.Broadcast(TopicEval, payload); err != nil {
		return nil, Hash{}, err
	}
	em.record(ev)
	return ev, CommitmentOf(ev), nil
}

func (em *EvaluationManager) fetchByRoot(ctx context.Context, root Hash) (*ContentDescriptor, error) {
	d, err := em.registry.DescriptorByRoot(root)
	if err != nil {
		return nil, err
	}
	if len(MissingChunks(em.store, d)) == 0 {
		return d, nil
	}
	h, err := em.transfer.Fetch(ctx, d, nil)
	if err != nil {
		return nil, err
	}
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (em *EvaluationManager) fetchByLogical(ctx context.Context, logicalID string) (*ContentDescriptor, error) {
	d, err := em.registry.Resolve(logicalID)
	if err != nil {
		return nil, err
	}
	if len(MissingChunks(em.store, d)) == 0 {
		return d, nil
	}
	h, err := em.transfer.Fetch(ctx, d, nil)
	if err != nil {
		return nil, err
	}
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// HandleGossip ingests one gossiped evaluation payload. Signatures are
// verified against the ledger's validator set; a second, different signed
// payload from the same signer for the same round is equivocation and
// queues the maximum slash.
func (em *EvaluationManager) HandleGossip(payload []byte) {
	var ev Evaluation
	if err := DecodeCanonical(payload, &ev); err != nil {
		em.logger.Debug("undecodable evaluation gossip")
		return
	}
	v, ok := em.ledger.GetValidator(ev.Signer)
	if !ok {
		em.logger.WithField("signer", ev.Signer.Hex()).Debug("evaluation from non-validator")
		return
	}
	if !VerifyEvaluationSig(v.BLSPub, &ev) {
		em.logger.WithField("signer", ev.Signer.Hex()).Warn("bad evaluation signature")
		return
	}

	em.mu.Lock()
	defer em.mu.Unlock()
	rounds, ok := em.evals[ev.SubmissionID]
	if !ok {
		rounds = make(map[uint32]map[Address]*Evaluation)
		em.evals[ev.SubmissionID] = rounds
	}
	signers, ok := rounds[ev.Round]
	if !ok {
		signers = make(map[Address]*Evaluation)
		rounds[ev.Round] = signers
	}
	if prev, dup := signers[ev.Signer]; dup {
		if EvaluationDigest(prev) != EvaluationDigest(&ev) {
			em.slashes = append(em.slashes, SlashBody{
				Validator:  ev.Signer,
				FractionBp: em.cfg.SlashEquivocationBp,
				Reason:     "evaluation equivocation",
				Evidence:   payload,
			})
			em.logger.WithField("signer", ev.Signer.Hex()).Warn("evaluation equivocation detected")
		}
		return // first payload stays counted
	}
	signers[ev.Signer] = &ev
}

func (em *EvaluationManager) record(ev *Evaluation) {
	payload, err := EncodeCanonical(ev)
	if err != nil {
		return
	}
	em.HandleGossip(payload)
}

// Aggregate resolves one submission round from the locally retrievable
// payloads whose on-chain commitment matches. Pure given the gossip view
// and chain state.
func (em *EvaluationManager) Aggregate(subID Hash, round uint32) AggregationResult {
	em.mu.Lock()
	var candidates []*Evaluation
	if rounds, ok := em.evals[subID]; ok {
		for _, ev := range rounds[round] {
			candidates = append(candidates, ev)
		}
	}
	em.mu.Unlock()

	// Discard payloads whose on-chain commitment is absent or mismatched.
	var surviving []*Evaluation
	for _, ev := range candidates {
		committed, ok := em.ledger.CommitmentFor(subID, ev.Signer, round)
		if !ok || committed != CommitmentOf(ev) {
			continue
		}
		surviving = append(surviving, ev)
	}

	res := AggregateEvaluations(em.cfg, surviving, func(a Address) uint64 {
		v, ok := em.ledger.GetValidator(a)
		if !ok {
			return 0
		}
		return v.Stake
	})

	// Outliers become slash proposals, escalating with prior offenses.
	em.mu.Lock()
	for _, addr := range res.Outliers {
		bp := em.cfg.SlashInitialBp
		if v, ok := em.ledger.GetValidator(addr); ok && v.Offenses > 0 {
			bp = em.cfg.SlashInitialBp + v.Offenses*em.cfg.SlashEscalationBp
			if bp > 10_000 {
				bp = 10_000
			}
		}
		em.slashes = append(em.slashes, SlashBody{
			Validator:  addr,
			FractionBp: bp,
			Reason:     "evaluation outlier",
		})
	}
	em.mu.Unlock()
	return res
}

// QuorumReached reports whether enough commitments are on-chain for the
// round, per the configured quorum fraction of the committee size.
func (em *EvaluationManager) QuorumReached(subID Hash, round uint32) bool {
	quorum := int((em.cfg.CommitteeSize*em.cfg.QuorumNumerator + em.cfg.QuorumDenominator - 1) / em.cfg.QuorumDenominator)
	return em.ledger.CommitmentCount(subID, round) >= quorum
}

// DrainSlashes hands the queued slash proposals to the block producer.
func (em *EvaluationManager) DrainSlashes() []SlashBody {
	em.mu.Lock()
	defer em.mu.Unlock()
	out := em.slashes
	em.slashes = nil
	return out
}

// Forget drops the gossip state of a resolved submission.
func (em *EvaluationManager) Forget(subID Hash) {
	em.mu.Lock()
	defer em.mu.Unlock()
	delete(em.evals, subID)
}
