package core

// Dataset/model registry – grounds logical names ("dataset:mnist-v3",
// "model:resnet-18@4") to content descriptors and keeps descriptors
// replicated to policy.
//
// Bindings are immutable: new versions take new logical ids, and the
// descriptor behind a root never changes.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RegistryConfig carries the registry defaults.
type RegistryConfig struct {
	DefaultPolicy RedundancyPolicy
}

// Registry is the in-memory name table plus the replication coordinator.
type Registry struct {
	mu        sync.RWMutex
	logger    *logrus.Logger
	cfg       RegistryConfig
	byLogical map[string]Hash
	byRoot    map[Hash]*ContentDescriptor

	peers    *PeerTable
	transfer *TransferEngine
	store    *ChunkStore
	self     NodeID
}

// NewRegistry wires the registry to the data plane.
func NewRegistry(cfg RegistryConfig, store *ChunkStore, transfer *TransferEngine,
	peers *PeerTable, self NodeID, lg *logrus.Logger) *Registry {

	r := &Registry{
		logger:    lg,
		cfg:       cfg,
		byLogical: make(map[string]Hash),
		byRoot:    make(map[Hash]*ContentDescriptor),
		peers:     peers,
		transfer:  transfer,
		store:     store,
		self:      self,
	}
	if transfer != nil {
		transfer.SetResolver(r)
	}
	return r
}

// Register records an immutable binding from a logical id to a descriptor.
// Re-registering the identical binding is a no-op; a conflicting one fails.
func (r *Registry) Register(logicalID string, d *ContentDescriptor) error {
	if logicalID == "" {
		return fmt.Errorf("empty logical id")
	}
	if d.Policy.Copies == 0 {
		d.Policy = r.cfg.DefaultPolicy
	}
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byLogical[logicalID]; ok {
		if existing == d.Root {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, logicalID)
	}
	r.byLogical[logicalID] = d.Root
	r.byRoot[d.Root] = d
	r.logger.WithFields(logrus.Fields{
		"logical": logicalID, "root": d.Root.Short(), "chunks": len(d.Chunks),
	}).Info("registered descriptor")
	return nil
}

// Resolve maps a logical id to its descriptor.
func (r *Registry) Resolve(logicalID string) (*ContentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, ok := r.byLogical[logicalID]
	if !ok {
		return nil, fmt.Errorf("%w: logical id %q", ErrNotFound, logicalID)
	}
	return r.byRoot[root], nil
}

// DescriptorByRoot implements DescriptorResolver for the transfer serve path.
func (r *Registry) DescriptorByRoot(root Hash) (*ContentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byRoot[root]
	if !ok {
		return nil, fmt.Errorf("%w: descriptor %s", ErrNotFound, root.Short())
	}
	return d, nil
}

// Roots lists every registered descriptor root.
func (r *Registry) Roots() []Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hash, 0, len(r.byRoot))
	for root := range r.byRoot {
		out = append(out, root)
	}
	return out
}

// AdvertiseCopies records the reputational hint that a peer holds the
// content behind root.
func (r *Registry) AdvertiseCopies(root Hash, peer NodeID) {
	r.peers.RecordAdvertisement(root, peer, time.Now())
}

// EnsureReplication checks a descriptor's live copy count against its
// policy and pushes the content toward fresh peers when short. Safe to
// re-run on peer loss; peers already holding the content are skipped.
func (r *Registry) EnsureReplication(ctx context.Context, root Hash) error {
	d, err := r.DescriptorByRoot(root)
	if err != nil {
		return err
	}
	holders := r.peers.Holders(root)
	holderSet := make(map[NodeID]struct{}, len(holders))
	for _, h := range holders {
		holderSet[h] = struct{}{}
	}
	localCopy := 0
	if len(MissingChunks(r.store, d)) == 0 {
		localCopy = 1
	}
	have := len(holders) + localCopy
	want := int(d.Policy.Copies)
	if have >= want {
		return nil
	}
	if localCopy == 0 {
		return fmt.Errorf("%w: cannot repair %s without a local copy", ErrNotFound, root.Short())
	}

	// Flat topology: geo_spread degrades to "distinct peers", which the
	// holder set already guarantees.
	var targets []NodeID
	for _, id := range r.peers.Known() {
		if id == r.self {
			continue
		}
		if _, ok := holderSet[id]; ok {
			continue
		}
		targets = append(targets, id)
		if len(targets) >= want-have {
			break
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no replication targets for %s", ErrNoPeers, root.Short())
	}

	for _, id := range targets {
		if err := r.transfer.Push(ctx, d, id); err != nil {
			r.logger.WithFields(logrus.Fields{"peer": id, "root": root.Short(), "err": err}).
				Warn("replication push failed")
			continue
		}
		r.peers.RecordAdvertisement(root, id, time.Now())
	}
	return nil
}

// ReplicationSweep runs EnsureReplication over every registered root.
// Intended to run periodically and after peer-loss notifications.
func (r *Registry) ReplicationSweep(ctx context.Context) {
	for _, root := range r.Roots() {
		if err := r.EnsureReplication(ctx, root); err != nil {
			r.logger.WithFields(logrus.Fields{"root": root.Short(), "err": err}).
				Debug("replication sweep")
		}
	}
}
