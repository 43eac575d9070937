// Package clusterlock adapts the multi-host mutual-exclusion
// discipline of a sanlock-style distributed lease onto a domain's
// shared storage: one lockspace identifies the domain, one lease
// slot per host authorises exactly one host at a time to act as that
// domain's writer (the SDM role), and named resource leases back
// individual volumes.
package clusterlock

import (
	"context"
	"sync"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/types"
)

// Adapter is the process-level interface to the lease manager. The
// real implementation shells out to sanlock(8); tests substitute a
// fake that tracks state in memory so they run without a lease
// daemon.
type Adapter interface {
	// InitLockspace formats the ids file for a fresh domain at the
	// given alignment and block size.
	InitLockspace(ctx context.Context, idsPath string, alignment types.Alignment, blockSize int) error

	// Acquire joins the lockspace as hostID, competing for its slot
	// in idsPath.
	Acquire(ctx context.Context, lockspace, idsPath string, hostID int) error

	// Release leaves the lockspace.
	Release(ctx context.Context, lockspace string, hostID int) error

	// AcquireResourceLease acquires the named resource lease within
	// lockspace, backed by the bytes at (path, offset), in mode.
	AcquireResourceLease(ctx context.Context, lockspace, name, path string, offset int64, mode types.LockMode) error

	// ReleaseResourceLease releases a previously acquired resource
	// lease.
	ReleaseResourceLease(ctx context.Context, lockspace, name string) error

	// WriteResource writes data into the named resource's lease
	// area.
	WriteResource(ctx context.Context, lockspace, name, path string, offset int64, data []byte) error

	// ReadResource reads size bytes from the named resource's lease
	// area.
	ReadResource(ctx context.Context, lockspace, name, path string, offset int64, size int) ([]byte, error)
}

// DomainLock is the per-domain lease state: one ids file tracking
// which hosts are members, one leases file holding per-slot SDM and
// per-volume resource leases.
type DomainLock struct {
	sdUUID     types.UUID
	idsPath    string
	leasesPath string
	alignment  types.Alignment
	blockSize  int
	maxHosts   int
	adapter    Adapter

	mu       sync.Mutex
	hostID   int
	acquired bool
}

// InitDomainLock formats idsPath for the given alignment/block size
// and returns a DomainLock handle. Unsupported (blockSize, alignment)
// combinations are rejected here, at domain creation time, per the
// max-host table.
func InitDomainLock(ctx context.Context, sdUUID types.UUID, idsPath, leasesPath string, alignment types.Alignment, blockSize int, adapter Adapter) (*DomainLock, error) {
	maxHosts := types.MaxHosts(blockSize, alignment)
	if maxHosts == 0 {
		return nil, verrors.Newf(verrors.KindUnsupportedOperation, "clusterlock.InitDomainLock",
			"unsupported alignment/block-size combination: block_size=%d alignment=%d", blockSize, alignment)
	}
	if err := adapter.InitLockspace(ctx, idsPath, alignment, blockSize); err != nil {
		return nil, verrors.New(verrors.KindBackendIO, "clusterlock.InitDomainLock", err)
	}
	return &DomainLock{
		sdUUID:     sdUUID,
		idsPath:    idsPath,
		leasesPath: leasesPath,
		alignment:  alignment,
		blockSize:  blockSize,
		maxHosts:   maxHosts,
		adapter:    adapter,
	}, nil
}

// MaxHosts returns the maximum host count this domain's lockspace
// supports.
func (d *DomainLock) MaxHosts() int { return d.maxHosts }

// AcquireDomainLock joins the lockspace as hostID, making this process
// eligible to become the domain's SDM. hostID must be in [1, MaxHosts].
// Acquiring while already held for the same hostID is a no-op.
func (d *DomainLock) AcquireDomainLock(ctx context.Context, hostID int) error {
	if hostID < 1 || hostID > d.maxHosts {
		return verrors.Newf(verrors.KindInvalidParameter, "clusterlock.AcquireDomainLock",
			"host id %d out of range [1,%d]", hostID, d.maxHosts)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquired && d.hostID == hostID {
		return nil
	}
	if d.acquired {
		return verrors.Newf(verrors.KindConcurrencyConflict, "clusterlock.AcquireDomainLock",
			"lockspace %s already acquired as host %d", d.sdUUID, d.hostID)
	}

	err := d.adapter.Acquire(ctx, string(d.sdUUID), d.idsPath, hostID)
	if err != nil {
		metrics.ClusterLeaseAcquisitionsTotal.WithLabelValues("failed").Inc()
		return verrors.New(verrors.KindConcurrencyConflict, "clusterlock.AcquireDomainLock", err)
	}
	metrics.ClusterLeaseAcquisitionsTotal.WithLabelValues("ok").Inc()
	metrics.ClusterLeasesHeld.Inc()
	d.hostID = hostID
	d.acquired = true
	return nil
}

// ReleaseDomainLock leaves the lockspace. Releasing when not held is
// a no-op, matching the idempotent-cleanup discipline recovery steps
// rely on.
func (d *DomainLock) ReleaseDomainLock(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.acquired {
		return nil
	}
	if err := d.adapter.Release(ctx, string(d.sdUUID), d.hostID); err != nil {
		return verrors.New(verrors.KindBackendIO, "clusterlock.ReleaseDomainLock", err)
	}
	metrics.ClusterLeasesHeld.Dec()
	d.acquired = false
	return nil
}

// HasDomainLock reports whether this process currently holds the
// domain lease.
func (d *DomainLock) HasDomainLock() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

// ResourceHandle is a held named resource lease (e.g. a volume's
// per-host lease slot); Release drops it.
type ResourceHandle struct {
	domain *DomainLock
	name   string
}

// AcquireResource acquires the named resource's lease at the given
// lockspace, slot offset, and mode. slot selects the byte offset
// within leasesPath this resource's lease area occupies.
func (d *DomainLock) AcquireResource(ctx context.Context, name string, slot int, mode types.LockMode) (*ResourceHandle, error) {
	if mode != types.LockShared && mode != types.LockExclusive {
		return nil, verrors.Newf(verrors.KindInvalidParameter, "clusterlock.AcquireResource", "unknown lock mode %q", mode)
	}
	offset := int64(slot) * int64(d.alignment)
	if err := d.adapter.AcquireResourceLease(ctx, string(d.sdUUID), name, d.leasesPath, offset, mode); err != nil {
		return nil, verrors.New(verrors.KindConcurrencyConflict, "clusterlock.AcquireResource", err)
	}
	return &ResourceHandle{domain: d, name: name}, nil
}

// Release drops the resource lease.
func (h *ResourceHandle) Release(ctx context.Context) error {
	if err := h.domain.adapter.ReleaseResourceLease(ctx, string(h.domain.sdUUID), h.name); err != nil {
		return verrors.New(verrors.KindBackendIO, "clusterlock.ResourceHandle.Release", err)
	}
	return nil
}

// WriteResource writes raw bytes to the named resource's lease area.
// Used only by the Cluster Lock itself at lease-creation time; the
// chain engine never rewrites a lease after creation.
func (d *DomainLock) WriteResource(ctx context.Context, name string, slot int, data []byte) error {
	offset := int64(slot) * int64(d.alignment)
	if err := d.adapter.WriteResource(ctx, string(d.sdUUID), name, d.leasesPath, offset, data); err != nil {
		return verrors.New(verrors.KindBackendIO, "clusterlock.WriteResource", err)
	}
	return nil
}

// ReadResource reads size bytes from the named resource's lease area.
func (d *DomainLock) ReadResource(ctx context.Context, name string, slot int, size int) ([]byte, error) {
	offset := int64(slot) * int64(d.alignment)
	data, err := d.adapter.ReadResource(ctx, string(d.sdUUID), name, d.leasesPath, offset, size)
	if err != nil {
		return nil, verrors.New(verrors.KindBackendIO, "clusterlock.ReadResource", err)
	}
	return data, nil
}
