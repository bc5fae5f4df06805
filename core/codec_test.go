package core

import (
	"bytes"
	"math/big"
	"reflect"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("framed payload")
	if err := WriteFrame(&buf, msgChunkRequest, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	code, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != msgChunkRequest || !bytes.Equal(got, payload) {
		t.Fatalf("frame round trip: code %d payload %q", code, got)
	}
}

func TestFrameRejectsOversizeAndBadVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 1, make([]byte, MaxFrameBytes+1)); err == nil {
		t.Fatal("oversize frame accepted")
	}

	buf.Reset()
	if err := WriteFrame(&buf, 1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[0] = WireVersion + 1
	if _, _, err := ReadFrame(bytes.NewReader(raw)); err == nil {
		t.Fatal("wrong wire version accepted")
	}
}

func TestTransferMessageRoundTrips(t *testing.T) {
	req := ChunkRequestMsg{
		Root:      HashBytes([]byte("root")),
		Indices:   []uint32{0, 5, 9},
		Requester: "handle-1",
	}
	raw, err := EncodeCanonical(&req)
	if err != nil {
		t.Fatal(err)
	}
	var back ChunkRequestMsg
	if err := DecodeCanonical(raw, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(req, back) {
		t.Fatalf("round trip: %+v vs %+v", req, back)
	}

	resp := ChunkResponseMsg{
		Root:  req.Root,
		Index: 5,
		Chunk: Chunk{
			Hash:        HashBytes([]byte("content")),
			Size:        7,
			Compression: CompressionNone,
			Payload:     []byte("content"),
			Checksum:    42,
		},
	}
	raw, err = EncodeCanonical(&resp)
	if err != nil {
		t.Fatal(err)
	}
	var respBack ChunkResponseMsg
	if err := DecodeCanonical(raw, &respBack); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resp, respBack) {
		t.Fatal("chunk response round trip mismatch")
	}
}

func TestBlockEncodingRoundTrip(t *testing.T) {
	a := newActor(t)
	tx, err := NewTransferTx(Address{0x02}, 5, 1, 0, 99)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Sign(a.key); err != nil {
		t.Fatal(err)
	}
	b := &Block{
		Header: &BlockHeader{
			Height:     4,
			ParentHash: HashBytes([]byte("parent")),
			Timestamp:  1234,
			TxRoot:     ComputeTxRoot([]*Transaction{tx}),
			StateRoot:  HashBytes([]byte("state")),
			TaskID:     HashBytes([]byte("task")),
			Solution:   Solution{TaskID: HashBytes([]byte("task")), Nonce: 7},
			Target:     big.NewInt(1 << 30),
			Producer:   a.addr,
			VRFProof:   []byte{1, 2, 3},
			Sig:        bytes.Repeat([]byte{9}, 65),
		},
		Txs: []*Transaction{tx},
	}

	raw, err := EncodeCanonical(b)
	if err != nil {
		t.Fatal(err)
	}
	var back Block
	if err := DecodeCanonical(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Hash() != b.Hash() {
		t.Fatal("decoded block hashes differently")
	}
	if len(back.Txs) != 1 || back.Txs[0].HashTx() != tx.HashTx() {
		t.Fatal("transaction lost in round trip")
	}
}

func TestEncodingDeterministic(t *testing.T) {
	d := ContentDescriptor{
		Root:      HashBytes([]byte("r")),
		TotalSize: 1 << 20,
		Chunks:    []Hash{HashBytes([]byte("a")), HashBytes([]byte("b"))},
		Policy:    RedundancyPolicy{Copies: 3, GeoSpread: true},
	}
	x, err := EncodeCanonical(&d)
	if err != nil {
		t.Fatal(err)
	}
	y, err := EncodeCanonical(&d)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(x, y) {
		t.Fatal("canonical encoding not deterministic")
	}
}
