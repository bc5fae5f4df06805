package core

// Mempool – pending transactions keyed by (sender, nonce).
//
// Replacement of a keyed slot needs a minimum fee bump; when the pool is
// full the lowest-fee entry is dropped first. Selection for a block is
// deterministic so the producer's choice is reproducible in tests.

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// TxPoolConfig bounds the pool.
type TxPoolConfig struct {
	MaxSize      int
	MinFeeBumpPct uint64 // replacement must raise the fee by more than this percent
}

type txKey struct {
	sender Address
	nonce  uint64
}

// nonceReader is the mempool's narrow view of account state.
type nonceReader interface {
	AccountNonce(Address) uint64
}

// TxPool is safe for concurrent use.
type TxPool struct {
	mu     sync.RWMutex
	cfg    TxPoolConfig
	logger *logrus.Logger
	byKey  map[txKey]*Transaction
	byHash map[Hash]*Transaction
}

// NewTxPool returns an empty pool.
func NewTxPool(cfg TxPoolConfig, lg *logrus.Logger) *TxPool {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 4096
	}
	if cfg.MinFeeBumpPct == 0 {
		cfg.MinFeeBumpPct = 10
	}
	return &TxPool{
		cfg:    cfg,
		logger: lg,
		byKey:  make(map[txKey]*Transaction),
		byHash: make(map[Hash]*Transaction),
	}
}

// AddTx admits a signed transaction. A transaction already occupying the
// (sender, nonce) slot is replaced only by a sufficient fee bump; a full
// pool drops its cheapest entry to make room for a better-paying one.
func (tp *TxPool) AddTx(tx *Transaction) error {
	if err := tx.VerifySig(); err != nil {
		return err
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if _, ok := tp.byHash[tx.Hash]; ok {
		return nil // idempotent
	}

	key := txKey{sender: tx.From, nonce: tx.Nonce}
	if old, ok := tp.byKey[key]; ok {
		required := old.Fee + old.Fee*tp.cfg.MinFeeBumpPct/100
		if tx.Fee <= required {
			return ErrNonceGap // slot occupied, bump insufficient
		}
		delete(tp.byHash, old.Hash)
	} else if len(tp.byKey) >= tp.cfg.MaxSize {
		victim := tp.cheapestLocked()
		if victim == nil || victim.Fee >= tx.Fee {
			return ErrOutOfSpace
		}
		delete(tp.byKey, txKey{sender: victim.From, nonce: victim.Nonce})
		delete(tp.byHash, victim.Hash)
		tp.logger.WithField("tx", victim.Hash.Short()).Debug("mempool evicted lowest fee")
	}

	tp.byKey[key] = tx
	tp.byHash[tx.Hash] = tx
	return nil
}

func (tp *TxPool) cheapestLocked() *Transaction {
	var victim *Transaction
	for _, tx := range tp.byKey {
		if victim == nil || tx.Fee < victim.Fee ||
			(tx.Fee == victim.Fee && tx.Hash.Hex() > victim.Hash.Hex()) {
			victim = tx
		}
	}
	return victim
}

// Get returns a pooled transaction by hash.
func (tp *TxPool) Get(h Hash) (*Transaction, bool) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	tx, ok := tp.byHash[h]
	return tx, ok
}

// Size returns the number of pooled transactions.
func (tp *TxPool) Size() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return len(tp.byKey)
}

// Pick selects up to max executable transactions: per sender, the
// contiguous nonce run starting at the account's current nonce; senders
// ordered by their head transaction's fee, ties broken by hash. The result
// is deterministic for a given pool and state.
func (tp *TxPool) Pick(max int, state nonceReader) []*Transaction {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	bySender := make(map[Address][]*Transaction)
	for _, tx := range tp.byKey {
		bySender[tx.From] = append(bySender[tx.From], tx)
	}

	type run struct {
		txs []*Transaction
	}
	var runs []run
	for sender, txs := range bySender {
		sort.Slice(txs, func(i, j int) bool { return txs[i].Nonce < txs[j].Nonce })
		next := state.AccountNonce(sender)
		var r run
		for _, tx := range txs {
			if tx.Nonce != next {
				break
			}
			r.txs = append(r.txs, tx)
			next++
		}
		if len(r.txs) > 0 {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i].txs[0], runs[j].txs[0]
		if a.Fee != b.Fee {
			return a.Fee > b.Fee
		}
		return a.Hash.Hex() < b.Hash.Hex()
	})

	var out []*Transaction
	for _, r := range runs {
		for _, tx := range r.txs {
			if len(out) >= max {
				return out
			}
			out = append(out, tx)
		}
	}
	return out
}

// RemoveIncluded clears transactions that made it into a block, plus any
// now-stale entries at or below the sender's advanced nonce.
func (tp *TxPool) RemoveIncluded(txs []*Transaction) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, tx := range txs {
		for key, cur := range tp.byKey {
			if key.sender == tx.From && key.nonce <= tx.Nonce {
				delete(tp.byKey, key)
				delete(tp.byHash, cur.Hash)
			}
		}
	}
}
