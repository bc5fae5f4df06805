package core

// Transfer protocol – streamed chunk movement between peers.
//
// Responsibilities:
//   • Fetch: populate the local chunk store with every chunk of a
//     descriptor, pipelined across scored peers, resumable, cancellable.
//   • Serve: answer peer chunk requests under the global upload token bucket.
//   • Announce: advertise local availability of a descriptor root.
//
// Peer choice, retry jitter and timing live on this side of the
// determinism boundary; nothing here feeds consensus.

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

//---------------------------------------------------------------------
// Wire protocol primitives
//---------------------------------------------------------------------

const (
	msgChunkRequest uint8 = iota + 1
	msgChunkResponse
	msgTransferProgress
	msgTransferError
	msgAnnounce
)

// ChunkRequestMsg asks a peer for specific chunks of a descriptor.
type ChunkRequestMsg struct {
	Root      Hash
	Indices   []uint32
	Requester string
}

// ChunkResponseMsg carries one chunk back, tagged with its index.
type ChunkResponseMsg struct {
	Root     Hash
	Index    uint32
	Sequence uint32
	Chunk    Chunk
}

// TransferProgressMsg is an optional courtesy notification to the requester.
type TransferProgressMsg struct {
	Root             Hash
	Completed        uint32
	TransferredBytes uint64
	ETAMillis        uint64
}

// TransferErrorMsg reports a per-chunk serving failure.
type TransferErrorMsg struct {
	Root         Hash
	Index        uint32
	Kind         string
	RetryAfterMS uint64
}

// AnnounceMsg advertises that the sender holds every chunk of a root.
type AnnounceMsg struct {
	Root         Hash
	AdvertisedAt uint64
}

//---------------------------------------------------------------------
// Wire-up interfaces (keeps core independent of concrete transports)
//---------------------------------------------------------------------

// InboundMsg is a framed message delivered by the network layer.
type InboundMsg struct {
	PeerID  NodeID
	Code    uint8
	Payload []byte
}

// PeerSender delivers a framed message to one peer.
type PeerSender interface {
	Send(ctx context.Context, peer NodeID, code uint8, payload []byte) error
}

// TopicBroadcaster publishes to a gossip topic.
type TopicBroadcaster interface {
	Broadcast(topic string, payload []byte) error
}

//---------------------------------------------------------------------
// Configuration
//---------------------------------------------------------------------

// TransferConfig mirrors the transfer.* configuration surface.
type TransferConfig struct {
	MaxConcurrent    int           // global concurrent transfers
	PipelineDepth    int           // outstanding requests per peer
	ChunkTimeout     time.Duration // per-chunk deadline
	TransferTimeout  time.Duration // whole-transfer deadline
	RetryBase        time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	UploadRate       uint64  // bytes/sec, 0 = unlimited
	DownloadRate     uint64  // bytes/sec, 0 = unlimited
	MaxPeerShare     float64 // fraction of one transfer a single peer may serve
}

// DefaultTransferConfig returns the documented defaults.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		MaxConcurrent:    8,
		PipelineDepth:    16,
		ChunkTimeout:     20 * time.Second,
		TransferTimeout:  30 * time.Minute,
		RetryBase:        500 * time.Millisecond,
		RetryMultiplier:  2,
		RetryMaxDelay:    30 * time.Second,
		RetryMaxAttempts: 6,
		MaxPeerShare:     0.5,
	}
}

//---------------------------------------------------------------------
// Transfer handle
//---------------------------------------------------------------------

// TransferStatus is a point-in-time view of a fetch.
type TransferStatus struct {
	Root             Hash          `json:"root"`
	Completed        int           `json:"completed"`
	Total            int           `json:"total"`
	TransferredBytes uint64        `json:"transferred_bytes"`
	BandwidthBps     float64       `json:"bandwidth_bps"`
	ETA              time.Duration `json:"eta"`
	Done             bool          `json:"done"`
	Err              string        `json:"err,omitempty"`
}

// TransferHandle tracks one fetch. Callers poll Progress, Wait for
// completion, or Cancel at any time; cancellation releases pins promptly.
type TransferHandle struct {
	ID   string
	Root Hash

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	desc        *ContentDescriptor
	total       int
	completed   int
	transferred uint64
	started     time.Time
	pinned      []Hash
	err         error
	finished    bool

	done   chan struct{}
	respCh chan respEvent
	errCh  chan errEvent
}

type respEvent struct {
	peer NodeID
	msg  ChunkResponseMsg
}

type errEvent struct {
	peer NodeID
	msg  TransferErrorMsg
}

// Progress reports completion, throughput and a naive ETA.
func (h *TransferHandle) Progress() TransferStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := TransferStatus{
		Root:             h.Root,
		Completed:        h.completed,
		Total:            h.total,
		TransferredBytes: h.transferred,
		Done:             h.finished,
	}
	if h.err != nil {
		st.Err = h.err.Error()
	}
	elapsed := time.Since(h.started)
	if elapsed > 0 && h.transferred > 0 {
		st.BandwidthBps = float64(h.transferred) / elapsed.Seconds()
		if h.completed > 0 && h.completed < h.total {
			perChunk := elapsed / time.Duration(h.completed)
			st.ETA = perChunk * time.Duration(h.total-h.completed)
		}
	}
	return st
}

// Wait blocks until the transfer finishes or ctx expires.
func (h *TransferHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the fetch. Completed chunks stay in the store so a later
// fetch resumes without retransmission.
func (h *TransferHandle) Cancel() { h.cancel() }

//---------------------------------------------------------------------
// Engine
//---------------------------------------------------------------------

// TransferEngine coordinates all fetches and serves peer requests.
type TransferEngine struct {
	cfg    TransferConfig
	store  *ChunkStore
	peers  *PeerTable
	sender PeerSender
	bcast  TopicBroadcaster
	logger *logrus.Logger

	download *rate.Limiter
	upload   *rate.Limiter

	mu       sync.Mutex
	active   map[Hash]*TransferHandle
	perPeer  map[NodeID]*rate.Limiter
	resolver DescriptorResolver
	metrics  *Metrics
	sem      chan struct{}
	rng      *rand.Rand
}

// NewTransferEngine wires the subsystem together.
func NewTransferEngine(cfg TransferConfig, store *ChunkStore, peers *PeerTable,
	sender PeerSender, bcast TopicBroadcaster, lg *logrus.Logger) *TransferEngine {

	unlimited := rate.NewLimiter(rate.Inf, 1)
	te := &TransferEngine{
		cfg:      cfg,
		store:    store,
		peers:    peers,
		sender:   sender,
		bcast:    bcast,
		logger:   lg,
		download: unlimited,
		upload:   unlimited,
		active:   make(map[Hash]*TransferHandle),
		perPeer:  make(map[NodeID]*rate.Limiter),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.DownloadRate > 0 {
		te.download = rate.NewLimiter(rate.Limit(cfg.DownloadRate), burstFor(cfg.DownloadRate))
	}
	if cfg.UploadRate > 0 {
		te.upload = rate.NewLimiter(rate.Limit(cfg.UploadRate), burstFor(cfg.UploadRate))
	}
	return te
}

// burstFor sizes a bucket so a single maximum-size chunk always fits.
func burstFor(bytesPerSec uint64) int {
	if bytesPerSec > MaxFrameBytes {
		return int(bytesPerSec)
	}
	return MaxFrameBytes
}

func (te *TransferEngine) peerLimiter(id NodeID) *rate.Limiter {
	te.mu.Lock()
	defer te.mu.Unlock()
	lim, ok := te.perPeer[id]
	if !ok {
		// Per-peer share of the global budget; unlimited when unconfigured.
		if te.cfg.DownloadRate > 0 {
			per := te.cfg.DownloadRate / 2
			if per == 0 {
				per = te.cfg.DownloadRate
			}
			lim = rate.NewLimiter(rate.Limit(per), burstFor(per))
		} else {
			lim = rate.NewLimiter(rate.Inf, 1)
		}
		te.perPeer[id] = lim
	}
	return lim
}

// Announce advertises local availability of a descriptor root.
func (te *TransferEngine) Announce(d *ContentDescriptor) error {
	msg := AnnounceMsg{Root: d.Root, AdvertisedAt: uint64(time.Now().Unix())}
	payload, err := EncodeCanonical(&msg)
	if err != nil {
		return err
	}
	return te.bcast.Broadcast(TopicAnnounce, payload)
}

// Fetch progressively populates the local store until every chunk of the
// descriptor is present. Returns the existing handle when a fetch for the
// same root is already running.
func (te *TransferEngine) Fetch(ctx context.Context, d *ContentDescriptor, peersHint []NodeID) (*TransferHandle, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	te.mu.Lock()
	if h, ok := te.active[d.Root]; ok {
		te.mu.Unlock()
		return h, nil
	}
	tctx, cancel := context.WithTimeout(ctx, te.cfg.TransferTimeout)
	h := &TransferHandle{
		ID:      uuid.NewString(),
		Root:    d.Root,
		ctx:     tctx,
		cancel:  cancel,
		desc:    d,
		total:   len(d.Chunks),
		started: time.Now(),
		done:    make(chan struct{}),
		respCh:  make(chan respEvent, te.cfg.PipelineDepth*4),
		errCh:   make(chan errEvent, te.cfg.PipelineDepth),
	}
	te.active[d.Root] = h
	te.mu.Unlock()

	go te.run(h, peersHint)
	return h, nil
}

type chunkJob struct {
	index    uint32
	hash     Hash
	attempts int
	readyAt  time.Time
}

type fetchPeer struct {
	inflight   int
	consecFail int
	served     int
	bad        bool
	sentAt     map[uint32]time.Time
}

func (te *TransferEngine) run(h *TransferHandle, peersHint []NodeID) {
	defer func() {
		te.mu.Lock()
		delete(te.active, h.Root)
		te.mu.Unlock()
		h.mu.Lock()
		for _, ph := range h.pinned {
			te.store.Unpin(ph)
		}
		h.pinned = nil
		h.finished = true
		h.mu.Unlock()
		h.cancel()
		close(h.done)
	}()

	select {
	case te.sem <- struct{}{}:
		defer func() { <-te.sem }()
	case <-h.ctx.Done():
		h.fail(h.ctx.Err())
		return
	}

	// Resume: only chunks not already local go on the queue.
	var queue []chunkJob
	for i, ch := range h.desc.Chunks {
		if te.store.Has(ch) {
			h.mu.Lock()
			h.completed++
			h.mu.Unlock()
			continue
		}
		queue = append(queue, chunkJob{index: uint32(i), hash: ch})
	}
	if len(queue) == 0 {
		return // everything local already
	}

	candidates := dedupePeers(append(append([]NodeID{}, peersHint...), te.peers.Holders(h.Root)...))
	if len(candidates) == 0 {
		h.fail(fmt.Errorf("%w: descriptor %s", ErrNoPeers, h.Root.Short()))
		return
	}

	shareCap := int(float64(h.total)*te.cfg.MaxPeerShare) + 1
	states := make(map[NodeID]*fetchPeer, len(candidates))
	for _, id := range candidates {
		states[id] = &fetchPeer{sentAt: make(map[uint32]time.Time)}
	}
	inflight := make(map[uint32]NodeID)
	attempts := make(map[uint32]int)
	ranked := te.peers.RankPeers(candidates, h.Root)

	tick := time.NewTicker(te.cfg.ChunkTimeout / 4)
	defer tick.Stop()
	rescored := time.Now()

	requeue := func(idx uint32, peer NodeID, reason string) {
		delete(inflight, idx)
		st := states[peer]
		if st != nil {
			st.inflight--
			delete(st.sentAt, idx)
			st.consecFail++
			if st.consecFail >= 3 && !st.bad {
				st.bad = true
				te.peers.AdjustReputation(peer, -10)
				te.logger.WithFields(logrus.Fields{
					"peer": peer, "root": h.Root.Short(), "reason": reason,
				}).Warn("peer marked bad for transfer")
			}
		}
		attempts[idx]++
		job := chunkJob{index: idx, hash: h.desc.Chunks[idx], attempts: attempts[idx]}
		job.readyAt = time.Now().Add(te.backoff(job.attempts))
		queue = append(queue, job)
	}

	for {
		h.mu.Lock()
		doneAll := h.completed >= h.total
		h.mu.Unlock()
		if doneAll {
			for id, st := range states {
				if st.served > 0 {
					te.peers.AdjustReputation(id, 1)
				}
			}
			return
		}

		// Dispatch as many ready jobs as pipeline slots allow.
		now := time.Now()
		var rest []chunkJob
		for _, job := range queue {
			if job.attempts > te.cfg.RetryMaxAttempts {
				h.fail(fmt.Errorf("chunk %d of %s: retry budget exhausted", job.index, h.Root.Short()))
				return
			}
			if job.readyAt.After(now) {
				rest = append(rest, job)
				continue
			}
			peer := te.pickPeer(ranked, states, shareCap)
			if peer == "" {
				if allBad(states) {
					h.fail(fmt.Errorf("%w: all peers failed for %s", ErrNoPeers, h.Root.Short()))
					return
				}
				rest = append(rest, job)
				continue
			}
			if err := te.requestChunk(h, peer, job.index); err != nil {
				rest = append(rest, job)
				continue
			}
			st := states[peer]
			st.inflight++
			st.sentAt[job.index] = now
			inflight[job.index] = peer
		}
		queue = rest

		select {
		case <-h.ctx.Done():
			h.fail(fmt.Errorf("%w: %v", ErrCancelled, h.ctx.Err()))
			return

		case ev := <-h.respCh:
			idx := ev.msg.Index
			peer, ok := inflight[idx]
			if !ok || peer != ev.peer {
				continue // stale or duplicate delivery
			}
			st := states[peer]
			sent := st.sentAt[idx]
			if err := te.acceptChunk(h, ev.peer, idx, &ev.msg.Chunk); err != nil {
				te.logger.WithFields(logrus.Fields{
					"peer": ev.peer, "chunk": idx, "err": err,
				}).Warn("rejected chunk")
				requeue(idx, ev.peer, "integrity")
				continue
			}
			delete(inflight, idx)
			st.inflight--
			delete(st.sentAt, idx)
			st.consecFail = 0
			st.served++
			if !sent.IsZero() {
				te.peers.ObserveTransfer(ev.peer, uint64(len(ev.msg.Chunk.Payload)), time.Since(sent))
			}

		case ev := <-h.errCh:
			if peer, ok := inflight[ev.msg.Index]; ok && peer == ev.peer {
				requeue(ev.msg.Index, ev.peer, ev.msg.Kind)
			}

		case <-tick.C:
			cutoff := time.Now().Add(-te.cfg.ChunkTimeout)
			for idx, peer := range inflight {
				if st := states[peer]; st != nil {
					if sent, ok := st.sentAt[idx]; ok && sent.Before(cutoff) {
						requeue(idx, peer, "timeout")
					}
				}
			}
			// Re-evaluate peer order once per pipeline window.
			if time.Since(rescored) > te.cfg.ChunkTimeout {
				ranked = te.peers.RankPeers(candidates, h.Root)
				rescored = time.Now()
			}
		}
	}
}

// acceptChunk validates, rate-accounts and stores one received chunk. The
// token buckets apply per peer and globally before the bytes count.
func (te *TransferEngine) acceptChunk(h *TransferHandle, peer NodeID, idx uint32, c *Chunk) error {
	if int(idx) >= len(h.desc.Chunks) || c.Hash != h.desc.Chunks[idx] {
		return fmt.Errorf("%w: chunk %d hash mismatch", ErrIntegrity, idx)
	}
	n := len(c.Payload)
	if err := te.peerLimiter(peer).WaitN(h.ctx, n); err != nil {
		return err
	}
	if err := te.download.WaitN(h.ctx, n); err != nil {
		return err
	}
	if _, err := te.store.Put(*c); err != nil {
		return err
	}
	te.store.Pin(c.Hash)
	te.countBytes(true, n)
	h.mu.Lock()
	h.pinned = append(h.pinned, c.Hash)
	h.completed++
	h.transferred += uint64(n)
	h.mu.Unlock()
	return nil
}

func (te *TransferEngine) requestChunk(h *TransferHandle, peer NodeID, idx uint32) error {
	req := ChunkRequestMsg{Root: h.Root, Indices: []uint32{idx}, Requester: h.ID}
	payload, err := EncodeCanonical(&req)
	if err != nil {
		return err
	}
	return te.sender.Send(h.ctx, peer, msgChunkRequest, payload)
}

// pickPeer returns the best-ranked peer with spare pipeline capacity.
func (te *TransferEngine) pickPeer(ranked []NodeID, states map[NodeID]*fetchPeer, shareCap int) NodeID {
	for _, id := range ranked {
		st := states[id]
		if st == nil || st.bad {
			continue
		}
		if st.inflight >= te.cfg.PipelineDepth || st.served+st.inflight >= shareCap {
			continue
		}
		return id
	}
	return ""
}

func (te *TransferEngine) backoff(attempt int) time.Duration {
	d := float64(te.cfg.RetryBase)
	for i := 1; i < attempt; i++ {
		d *= te.cfg.RetryMultiplier
	}
	if max := float64(te.cfg.RetryMaxDelay); d > max {
		d = max
	}
	te.mu.Lock()
	jitter := te.rng.Float64() * d / 4
	te.mu.Unlock()
	return time.Duration(d + jitter)
}

func (h *TransferHandle) fail(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
}

func dedupePeers(ids []NodeID) []NodeID {
	seen := make(map[NodeID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func allBad(states map[NodeID]*fetchPeer) bool {
	for _, st := range states {
		if !st.bad {
			return false
		}
	}
	return true
}

//---------------------------------------------------------------------
// Serve side
//---------------------------------------------------------------------

// HandleInbound demultiplexes a framed transfer message from the network.
func (te *TransferEngine) HandleInbound(m InboundMsg) {
	switch m.Code {
	case msgChunkRequest:
		var req ChunkRequestMsg
		if err := DecodeCanonical(m.Payload, &req); err != nil {
			te.logger.WithField("peer", m.PeerID).Debug("bad chunk request")
			return
		}
		go te.serve(m.PeerID, req)

	case msgChunkResponse:
		var resp ChunkResponseMsg
		if err := DecodeCanonical(m.Payload, &resp); err != nil {
			return
		}
		te.mu.Lock()
		h, ok := te.active[resp.Root]
		te.mu.Unlock()
		if ok {
			select {
			case h.respCh <- respEvent{peer: m.PeerID, msg: resp}:
			case <-h.ctx.Done():
			}
			return
		}
		// Unsolicited chunk: a replication push. Content addressing makes
		// acceptance safe; Put re-verifies integrity and enforces capacity.
		if _, err := te.store.Put(resp.Chunk); err != nil {
			te.logger.WithFields(logrus.Fields{"peer": m.PeerID, "err": err}).Debug("push chunk rejected")
		}

	case msgTransferError:
		var em TransferErrorMsg
		if err := DecodeCanonical(m.Payload, &em); err != nil {
			return
		}
		te.mu.Lock()
		h, ok := te.active[em.Root]
		te.mu.Unlock()
		if ok {
			select {
			case h.errCh <- errEvent{peer: m.PeerID, msg: em}:
			case <-h.ctx.Done():
			}
		}

	case msgAnnounce:
		var am AnnounceMsg
		if err := DecodeCanonical(m.Payload, &am); err != nil {
			return
		}
		te.peers.RecordAdvertisement(am.Root, m.PeerID, time.Unix(int64(am.AdvertisedAt), 0))
	}
}

// serve streams requested chunks back to a peer, pinned while read and
// subject to the upload token bucket.
func (te *TransferEngine) serve(peer NodeID, req ChunkRequestMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), te.cfg.ChunkTimeout*time.Duration(len(req.Indices)+1))
	defer cancel()

	var seq uint32
	for _, idx := range req.Indices {
		chunk, err := te.lookupByIndex(req.Root, idx)
		if err != nil {
			te.sendErr(ctx, peer, req.Root, idx, "not_found")
			continue
		}
		if err := te.upload.WaitN(ctx, len(chunk.Payload)); err != nil {
			te.sendErr(ctx, peer, req.Root, idx, "rate_budget")
			return
		}
		resp := ChunkResponseMsg{Root: req.Root, Index: idx, Sequence: seq, Chunk: chunk}
		seq++
		payload, err := EncodeCanonical(&resp)
		if err != nil {
			return
		}
		if err := te.sender.Send(ctx, peer, msgChunkResponse, payload); err != nil {
			te.logger.WithFields(logrus.Fields{"peer": peer, "err": err}).Debug("serve send failed")
			return
		}
		te.countBytes(false, len(chunk.Payload))
	}
}

// lookupByIndex maps (root, index) to a stored chunk via the registry's
// descriptor table when available, falling back to direct hash addressing
// for requests that carry the chunk hash as the root of a single-chunk
// descriptor.
func (te *TransferEngine) lookupByIndex(root Hash, idx uint32) (Chunk, error) {
	te.mu.Lock()
	resolver := te.resolver
	te.mu.Unlock()
	h := root // direct hash addressing: index 0 of a single-chunk descriptor
	if resolver == nil {
		if idx != 0 {
			return Chunk{}, fmt.Errorf("%w: no descriptor resolver", ErrNotFound)
		}
	} else if d, err := resolver.DescriptorByRoot(root); err == nil {
		if int(idx) >= len(d.Chunks) {
			return Chunk{}, fmt.Errorf("%w: index %d out of range", ErrNotFound, idx)
		}
		h = d.Chunks[idx]
	} else if idx != 0 {
		return Chunk{}, err
	}
	if !te.store.Pin(h) {
		return Chunk{}, fmt.Errorf("%w: chunk %s", ErrNotFound, h.Short())
	}
	defer te.store.Unpin(h)
	return te.store.Get(h)
}

// DescriptorResolver resolves descriptor roots to full descriptors. The
// registry implements it; the indirection keeps serve-side lookups free of
// a hard registry dependency.
type DescriptorResolver interface {
	DescriptorByRoot(root Hash) (*ContentDescriptor, error)
}

// SetResolver wires the descriptor resolver used by the serve path.
func (te *TransferEngine) SetResolver(r DescriptorResolver) {
	te.mu.Lock()
	te.resolver = r
	te.mu.Unlock()
}

// SetMetrics attaches the byte counters; nil leaves transfer unmetered.
func (te *TransferEngine) SetMetrics(m *Metrics) {
	te.mu.Lock()
	te.metrics = m
	te.mu.Unlock()
}

func (te *TransferEngine) countBytes(in bool, n int) {
	te.mu.Lock()
	m := te.metrics
	te.mu.Unlock()
	if m == nil {
		return
	}
	if in {
		m.TransferBytesIn.Add(float64(n))
	} else {
		m.TransferBytesOut.Add(float64(n))
	}
}

// Push streams every chunk of a descriptor to one peer unsolicited. The
// receiver verifies and stores them like any other chunk; the registry uses
// this to repair under-replicated content.
func (te *TransferEngine) Push(ctx context.Context, d *ContentDescriptor, peer NodeID) error {
	var seq uint32
	for idx, ch := range d.Chunks {
		if !te.store.Pin(ch) {
			return fmt.Errorf("%w: chunk %s not local", ErrNotFound, ch.Short())
		}
		chunk, err := te.store.Get(ch)
		te.store.Unpin(ch)
		if err != nil {
			return err
		}
		if err := te.upload.WaitN(ctx, len(chunk.Payload)); err != nil {
			return err
		}
		resp := ChunkResponseMsg{Root: d.Root, Index: uint32(idx), Sequence: seq, Chunk: chunk}
		seq++
		payload, err := EncodeCanonical(&resp)
		if err != nil {
			return err
		}
		if err := te.sender.Send(ctx, peer, msgChunkResponse, payload); err != nil {
			return err
		}
	}
	return nil
}

func (te *TransferEngine) sendErr(ctx context.Context, peer NodeID, root Hash, idx uint32, kind string) {
	em := TransferErrorMsg{Root: root, Index: idx, Kind: kind}
	if payload, err := EncodeCanonical(&em); err == nil {
		_ = te.sender.Send(ctx, peer, msgTransferError, payload)
	}
}
