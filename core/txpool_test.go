package core

import (
	"errors"
	"testing"
)

type fixedNonces map[Address]uint64

func (f fixedNonces) AccountNonce(a Address) uint64 { return f[a] }

func poolTx(t *testing.T, actor *testActor, nonce, fee uint64) *Transaction {
	t.Helper()
	tx, err := NewTransferTx(Address{0x01}, 10, fee, nonce, nonce+1)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Sign(actor.key); err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestTxPoolAddAndIdempotence(t *testing.T) {
	tp := NewTxPool(TxPoolConfig{MaxSize: 10}, testLogger())
	a := newActor(t)

	tx := poolTx(t, a, 0, 5)
	if err := tp.AddTx(tx); err != nil {
		t.Fatalf("AddTx: %v", err)
	}
	if err := tp.AddTx(tx); err != nil {
		t.Fatalf("re-add of identical tx must be a no-op: %v", err)
	}
	if tp.Size() != 1 {
		t.Fatalf("size %d", tp.Size())
	}
}

func TestTxPoolFeeBumpReplacement(t *testing.T) {
	tp := NewTxPool(TxPoolConfig{MaxSize: 10, MinFeeBumpPct: 10}, testLogger())
	a := newActor(t)

	if err := tp.AddTx(poolTx(t, a, 0, 100)); err != nil {
		t.Fatal(err)
	}
	// 105 < 100 + 10%: rejected.
	if err := tp.AddTx(poolTx(t, a, 0, 105)); err == nil {
		t.Fatal("insufficient bump accepted")
	}
	// 120 clears the bump: replaces the slot.
	bumped := poolTx(t, a, 0, 120)
	if err := tp.AddTx(bumped); err != nil {
		t.Fatalf("sufficient bump rejected: %v", err)
	}
	picked := tp.Pick(10, fixedNonces{a.addr: 0})
	if len(picked) != 1 || picked[0].Fee != 120 {
		t.Fatalf("picked %+v", picked)
	}
}

func TestTxPoolEvictsCheapestWhenFull(t *testing.T) {
	tp := NewTxPool(TxPoolConfig{MaxSize: 2, MinFeeBumpPct: 10}, testLogger())
	a, b, c := newActor(t), newActor(t), newActor(t)

	if err := tp.AddTx(poolTx(t, a, 0, 1)); err != nil {
		t.Fatal(err)
	}
	if err := tp.AddTx(poolTx(t, b, 0, 50)); err != nil {
		t.Fatal(err)
	}
	// Worse than the cheapest: rejected outright.
	if err := tp.AddTx(poolTx(t, c, 0, 1)); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("want ErrOutOfSpace, got %v", err)
	}
	// Better: the fee-1 entry makes room.
	if err := tp.AddTx(poolTx(t, c, 0, 100)); err != nil {
		t.Fatalf("eviction add: %v", err)
	}
	if tp.Size() != 2 {
		t.Fatalf("size %d", tp.Size())
	}
}

func TestTxPoolPickContiguousNonces(t *testing.T) {
	tp := NewTxPool(TxPoolConfig{MaxSize: 10}, testLogger())
	a := newActor(t)

	// Nonces 0, 1 and 3: the gap strands nonce 3.
	for _, n := range []uint64{0, 1, 3} {
		if err := tp.AddTx(poolTx(t, a, n, 10)); err != nil {
			t.Fatal(err)
		}
	}
	picked := tp.Pick(10, fixedNonces{a.addr: 0})
	if len(picked) != 2 || picked[0].Nonce != 0 || picked[1].Nonce != 1 {
		t.Fatalf("picked %d txs", len(picked))
	}
}

func TestTxPoolPickDeterministicOrder(t *testing.T) {
	a, b := newActor(t), newActor(t)
	build := func() *TxPool {
		tp := NewTxPool(TxPoolConfig{MaxSize: 10}, testLogger())
		_ = tp.AddTx(poolTx(t, a, 0, 7))
		_ = tp.AddTx(poolTx(t, b, 0, 9))
		_ = tp.AddTx(poolTx(t, a, 1, 7))
		return tp
	}
	nonces := fixedNonces{a.addr: 0, b.addr: 0}
	p1 := build().Pick(10, nonces)
	p2 := build().Pick(10, nonces)
	if len(p1) != len(p2) {
		t.Fatal("pick lengths differ")
	}
	for i := range p1 {
		if p1[i].Hash != p2[i].Hash {
			t.Fatal("pick order not deterministic")
		}
	}
	// Higher head fee goes first.
	if p1[0].From != b.addr {
		t.Fatal("fee ordering violated")
	}
}

func TestTxPoolRemoveIncluded(t *testing.T) {
	tp := NewTxPool(TxPoolConfig{MaxSize: 10}, testLogger())
	a := newActor(t)
	tx := poolTx(t, a, 0, 10)
	if err := tp.AddTx(tx); err != nil {
		t.Fatal(err)
	}
	tp.RemoveIncluded([]*Transaction{tx})
	if tp.Size() != 0 {
		t.Fatalf("size %d after removal", tp.Size())
	}
}
