package core

// peers.go – transfer-plane view of remote peers: reputation, measured
// bandwidth and latency, and content availability advertisements. The
// consensus layer never reads this table; peer choice is free to be
// non-deterministic.

import (
	"sort"
	"sync"
	"time"
)

const (
	reputationMax   = 1000
	reputationMin   = -1000
	advertisementTTL = 30 * time.Minute
)

type peerState struct {
	info        PeerInfo
	reputation  int64
	bandwidthBps float64 // EWMA of observed download rate
	latency     time.Duration
	lastSeen    time.Time
}

type advertisement struct {
	peer         NodeID
	advertisedAt time.Time
}

// PeerTable tracks known peers and which descriptor roots they advertise.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[NodeID]*peerState
	ads   map[Hash]map[NodeID]advertisement
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers: make(map[NodeID]*peerState),
		ads:   make(map[Hash]map[NodeID]advertisement),
	}
}

// Upsert records or refreshes a peer.
func (pt *PeerTable) Upsert(info PeerInfo) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	st, ok := pt.peers[info.ID]
	if !ok {
		st = &peerState{info: info, reputation: info.Reputation}
		pt.peers[info.ID] = st
	}
	st.info = info
	st.lastSeen = time.Now()
}

// Remove forgets a peer and its advertisements.
func (pt *PeerTable) Remove(id NodeID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.peers, id)
	for _, set := range pt.ads {
		delete(set, id)
	}
}

// Known returns the ids of all tracked peers.
func (pt *PeerTable) Known() []NodeID {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]NodeID, 0, len(pt.peers))
	for id := range pt.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AdjustReputation moves a peer's reputation by delta, clamped.
func (pt *PeerTable) AdjustReputation(id NodeID, delta int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	st, ok := pt.peers[id]
	if !ok {
		return
	}
	st.reputation += delta
	if st.reputation > reputationMax {
		st.reputation = reputationMax
	}
	if st.reputation < reputationMin {
		st.reputation = reputationMin
	}
}

// Reputation returns the current score, zero for unknown peers.
func (pt *PeerTable) Reputation(id NodeID) int64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if st, ok := pt.peers[id]; ok {
		return st.reputation
	}
	return 0
}

// ObserveTransfer folds a completed chunk delivery into the bandwidth and
// latency estimates.
func (pt *PeerTable) ObserveTransfer(id NodeID, bytes uint64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	st, ok := pt.peers[id]
	if !ok {
		return
	}
	rate := float64(bytes) / elapsed.Seconds()
	if st.bandwidthBps == 0 {
		st.bandwidthBps = rate
	} else {
		st.bandwidthBps = 0.8*st.bandwidthBps + 0.2*rate
	}
	if st.latency == 0 {
		st.latency = elapsed
	} else {
		st.latency = (st.latency*4 + elapsed) / 5
	}
}

// RecordAdvertisement notes that a peer claims to hold a descriptor root.
func (pt *PeerTable) RecordAdvertisement(root Hash, id NodeID, at time.Time) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	set, ok := pt.ads[root]
	if !ok {
		set = make(map[NodeID]advertisement)
		pt.ads[root] = set
	}
	set[id] = advertisement{peer: id, advertisedAt: at}
}

// Holders returns peers with a live advertisement for root.
func (pt *PeerTable) Holders(root Hash) []NodeID {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	set := pt.ads[root]
	cutoff := time.Now().Add(-advertisementTTL)
	out := make([]NodeID, 0, len(set))
	for id, ad := range set {
		if ad.advertisedAt.After(cutoff) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// peerScore implements the fetch selection formula: 40% bandwidth,
// 40% reputation, 20% advertisement freshness. Latency breaks ties in
// the caller's sort.
func (pt *PeerTable) peerScore(id NodeID, root Hash) (score float64, latency time.Duration) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	st, ok := pt.peers[id]
	if !ok {
		return 0, 0
	}
	bw := st.bandwidthBps / (1 << 20) // normalize to MiB/s
	if bw > 1 {
		bw = 1
	}
	rep := float64(st.reputation-reputationMin) / float64(reputationMax-reputationMin)
	fresh := 0.0
	if ad, ok := pt.ads[root][id]; ok {
		age := time.Since(ad.advertisedAt)
		if age < advertisementTTL {
			fresh = 1 - age.Seconds()/advertisementTTL.Seconds()
		}
	}
	return 0.4*bw + 0.4*rep + 0.2*fresh, st.latency
}

// RankPeers orders candidates best-first for fetching root.
func (pt *PeerTable) RankPeers(candidates []NodeID, root Hash) []NodeID {
	type ranked struct {
		id      NodeID
		score   float64
		latency time.Duration
	}
	rs := make([]ranked, 0, len(candidates))
	for _, id := range candidates {
		s, lat := pt.peerScore(id, root)
		rs = append(rs, ranked{id: id, score: s, latency: lat})
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		if rs[i].latency != rs[j].latency {
			return rs[i].latency < rs[j].latency
		}
		return rs[i].id < rs[j].id
	})
	out := make([]NodeID, len(rs))
	for i, r := range rs {
		out[i] = r.id
	}
	return out
}
