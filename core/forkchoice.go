package core

// Fork choice – heaviest-chain selection over the known block tree.
//
// Weight combines accumulated PoUW difficulty (the harder the target, the
// heavier the proof) with stake-weighted attestations. For two honest
// nodes with the same received blocks the selected head is identical: the
// weight function is pure and ties break on the block hash.

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
)

type forkNode struct {
	block      *Block
	weight     *big.Int // accumulated from genesis
	attested   uint64   // stake attesting to exactly this block
	onCanon    bool
}

// ForkChoice tracks side branches and drives ledger reorgs.
type ForkChoice struct {
	mu     sync.Mutex
	logger *logrus.Logger
	ledger *Ledger

	nodes     map[Hash]*forkNode
	children  map[Hash][]Hash
	head      Hash
	finalized Hash
}

// NewForkChoice seeds the tree with the ledger's canonical chain.
func NewForkChoice(led *Ledger, lg *logrus.Logger) *ForkChoice {
	fc := &ForkChoice{
		logger:   lg,
		ledger:   led,
		nodes:    make(map[Hash]*forkNode),
		children: make(map[Hash][]Hash),
	}
	weight := new(big.Int)
	var prev Hash
	for h := uint64(1); ; h++ {
		b, ok := led.BlockByHeight(h)
		if !ok {
			break
		}
		weight = new(big.Int).Add(weight, blockWeight(b))
		hash := b.Hash()
		fc.nodes[hash] = &forkNode{block: b, weight: weight, onCanon: true}
		fc.children[prev] = append(fc.children[prev], hash)
		fc.head = hash
		prev = hash
	}
	return fc
}

// blockWeight is the standard difficulty contribution: proofs under a
// smaller target are exponentially rarer, so weigh them as 2^256/(target+1).
func blockWeight(b *Block) *big.Int {
	denom := new(big.Int).Add(b.Header.Target, big.NewInt(1))
	return new(big.Int).Div(vrfDenominator, denom)
}

// Known reports whether a block hash is anywhere in the tree.
func (fc *ForkChoice) Known(h Hash) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	_, ok := fc.nodes[h]
	return ok
}

// Head returns the current best block hash.
func (fc *ForkChoice) Head() Hash {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.head
}

// Finalized returns the last finalized block hash, zero if none.
func (fc *ForkChoice) Finalized() Hash {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.finalized
}

// AddBlock inserts a validated block into the tree and re-runs head
// selection, reorganising the ledger when a heavier branch wins.
// The caller has already validated the block against its parent state.
func (fc *ForkChoice) AddBlock(b *Block) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	hash := b.Hash()
	if _, ok := fc.nodes[hash]; ok {
		return nil
	}
	parentWeight := new(big.Int)
	if b.Header.Height > 1 {
		parent, ok := fc.nodes[b.Header.ParentHash]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParent, b.Header.ParentHash.Short())
		}
		parentWeight = parent.weight
	}
	fc.nodes[hash] = &forkNode{
		block:  b,
		weight: new(big.Int).Add(parentWeight, blockWeight(b)),
	}
	fc.children[b.Header.ParentHash] = append(fc.children[b.Header.ParentHash], hash)
	return fc.reselectLocked()
}

// Attest adds stake-weighted attestation to a block and runs the finality
// gadget: once attestations reach ⅔ of total stake the block (and its
// ancestors) are final and the epoch's slashing window closes.
func (fc *ForkChoice) Attest(hash Hash, stake uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	node, ok := fc.nodes[hash]
	if !ok {
		return
	}
	node.attested += stake
	total := fc.ledger.TotalStake()
	if total > 0 && node.attested*3 >= total*2 {
		fc.finalized = hash
		fc.logger.WithField("block", hash.Short()).Info("block finalized")
	}
	// Attestation stake also contributes to branch weight.
	node.weight = new(big.Int).Add(node.weight, new(big.Int).SetUint64(stake))
	_ = fc.reselectLocked()
}

// reselectLocked finds the heaviest leaf and reorganises the ledger if it
// is not on the canonical chain.
func (fc *ForkChoice) reselectLocked() error {
	var best Hash
	var bestWeight *big.Int
	tip := fc.ledger.TipHash()
	for h, n := range fc.nodes {
		if n.onCanon && h != tip {
			continue // interior canonical blocks are not head candidates
		}
		if bestWeight == nil || n.weight.Cmp(bestWeight) > 0 ||
			(n.weight.Cmp(bestWeight) == 0 && h.Hex() < best.Hex()) {
			best, bestWeight = h, n.weight
		}
	}
	if best == fc.head || bestWeight == nil {
		return nil
	}

	// Extension of the current tip: plain apply.
	node := fc.nodes[best]
	if node.block.Header.ParentHash == fc.ledger.TipHash() {
		if err := fc.ledger.ApplyBlock(node.block); err != nil {
			delete(fc.nodes, best)
			return err
		}
		node.onCanon = true
		fc.head = best
		return nil
	}

	// Reorg: walk back to the common ancestor, then replay the branch.
	branch := []*Block{node.block}
	cursor := node.block.Header.ParentHash
	for {
		if _, onChain := fc.ledger.BlockByHash(cursor); onChain || cursor.IsZero() {
			break
		}
		parent, ok := fc.nodes[cursor]
		if !ok {
			return fmt.Errorf("%w: reorg ancestor %s", ErrUnknownParent, cursor.Short())
		}
		branch = append([]*Block{parent.block}, branch...)
		cursor = parent.block.Header.ParentHash
	}
	for fc.ledger.TipHash() != cursor {
		rolled, _ := fc.ledger.BlockByHash(fc.ledger.TipHash())
		if err := fc.ledger.RollbackTip(); err != nil {
			return err
		}
		if rolled != nil {
			if n, ok := fc.nodes[rolled.Hash()]; ok {
				n.onCanon = false
			}
		}
	}
	for _, blk := range branch {
		if err := fc.ledger.ApplyBlock(blk); err != nil {
			return fmt.Errorf("reorg apply height %d: %w", blk.Header.Height, err)
		}
		if n, ok := fc.nodes[blk.Hash()]; ok {
			n.onCanon = true
		}
	}
	fc.logger.WithFields(logrus.Fields{
		"head": best.Short(), "depth": len(branch),
	}).Warn("chain reorganised")
	fc.head = best
	return nil
}
