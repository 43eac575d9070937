package volume

import (
	"context"
	"time"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/clusterlock"
	"github.com/cuemby/vstorage/pkg/metadata"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// volumeUtilizationChunkBytes is the headroom a block-backed COW
// volume's optimal size adds beyond its actual qcow2 allocation
// (spec §4.7 optimal_size, §4.8.2 estimate_qcow2_size).
const volumeUtilizationChunkBytes = 1 << 30 // 1 GiB

// ParentResolver produces the Volume manifest for a parent UUID
// within the same domain, letting Prepare/Teardown recurse up a COW
// chain without pkg/volume importing pkg/domain. The parent is not
// assumed to belong to the same image: a chain rooted at a shared
// template crosses into the template's own owning image, and the
// resolver is responsible for finding it there.
type ParentResolver func(parent types.UUID) (*Volume, error)

// Volume is the Volume Manifest (spec §4.7): the operations common to
// both file and block backends, layered over a Backend implementation
// that supplies the backend-specific mechanics.
type Volume struct {
	sdUUID  types.UUID
	version types.DomainVersion
	imgUUID types.UUID
	id      types.UUID

	backend  Backend
	lease    *clusterlock.DomainLock
	leaseSeq int // lease slot, meaningful only when lease != nil

	resolveParent ParentResolver
}

// New binds a Volume Manifest to volUUID within image imgUUID on the
// given domain. lease may be nil for domains/volume kinds that do not
// back reads with a cluster lease (e.g. ISO). resolveParent may be
// nil for a volume known to have no parent.
func New(sdUUID types.UUID, version types.DomainVersion, imgUUID, volUUID types.UUID, backend Backend, lease *clusterlock.DomainLock, leaseSlot int, resolveParent ParentResolver) *Volume {
	return &Volume{
		sdUUID:        sdUUID,
		version:       version,
		imgUUID:       imgUUID,
		id:            volUUID,
		backend:       backend,
		lease:         lease,
		leaseSeq:      leaseSlot,
		resolveParent: resolveParent,
	}
}

// ID returns the volume's UUID.
func (v *Volume) ID() types.UUID { return v.id }

// Image returns the owning image's UUID.
func (v *Volume) Image() types.UUID { return v.imgUUID }

// PayloadPath returns the path or device node backing this volume's
// content.
func (v *Volume) PayloadPath() string {
	return v.backend.PayloadPath(v.imgUUID, v.id)
}

// GetMetadata decodes the volume's sidecar record. A missing GEN
// decodes as 0 (metadata.Parse's auto-heal).
func (v *Volume) GetMetadata() (types.VolumeMeta, error) {
	raw, err := v.backend.ReadMetadata(v.imgUUID, v.id)
	if err != nil {
		return types.VolumeMeta{}, err
	}
	return metadata.Parse(v.version, raw)
}

// SetMetadata atomically replaces the volume's metadata with next,
// after bumping its generation. A rollback to the prior record is
// pushed onto t's recovery stack.
func (v *Volume) SetMetadata(t *task.Task, next types.VolumeMeta) error {
	oldRaw, err := v.backend.ReadMetadata(v.imgUUID, v.id)
	if err != nil {
		return err
	}

	next.Gen = metadata.NextGen(next.Gen)
	next.MTime = time.Now().Unix()

	raw, err := metadata.Serialize(v.version, next)
	if err != nil {
		return err
	}

	t.PushRecovery("volume.SetMetadata.rollback", map[string]string{"vol": string(v.id)}, func() error {
		return v.backend.WriteMetadata(v.imgUUID, v.id, oldRaw)
	})

	if err := v.backend.WriteMetadata(v.imgUUID, v.id, raw); err != nil {
		return verrors.New(verrors.KindBackendIO, "volume.SetMetadata", err)
	}
	return nil
}

// Prepare activates the volume for use. When chainRW is set and this
// volume is a COW overlay with a parent, the parent is recursively
// prepared too (spec §4.7).
func (v *Volume) Prepare(t *task.Task, rw, chainRW, setRW bool) error {
	meta, err := v.GetMetadata()
	if err != nil {
		return err
	}
	if rw && meta.Legality != types.LegalityLegal {
		return verrors.Newf(verrors.KindIntegrityViolation, "volume.Prepare", "volume %s is %s, cannot prepare for write", v.id, meta.Legality)
	}

	if err := v.backend.Activate(v.imgUUID, v.id); err != nil {
		return err
	}
	t.PushRecovery("volume.Prepare.deactivate", map[string]string{"vol": string(v.id)}, func() error {
		return v.backend.Deactivate(v.imgUUID, v.id)
	})

	_ = setRW // not acted on: neither backend's Activate changes the LV permission bit or the file mode.

	if chainRW && meta.Format == types.FormatCow && !meta.PUUID.IsBlank() && v.resolveParent != nil {
		parent, err := v.resolveParent(meta.PUUID)
		if err != nil {
			return err
		}
		if err := parent.Prepare(t, rw, chainRW, setRW); err != nil {
			return err
		}
	}
	return nil
}

// Teardown deactivates the volume. Unless justMe is set, a COW
// volume's parent chain is torn down too.
func (v *Volume) Teardown(justMe bool) error {
	if err := v.backend.Deactivate(v.imgUUID, v.id); err != nil {
		return err
	}
	if justMe || v.resolveParent == nil {
		return nil
	}
	meta, err := v.GetMetadata()
	if err != nil {
		return err
	}
	if meta.Format == types.FormatCow && !meta.PUUID.IsBlank() {
		parent, err := v.resolveParent(meta.PUUID)
		if err != nil {
			return err
		}
		return parent.Teardown(false)
	}
	return nil
}

// Extend grows the volume's underlying storage to newSizeBlk
// 512-byte blocks and records the new capacity in metadata.
func (v *Volume) Extend(t *task.Task, newSizeBlk uint64) error {
	meta, err := v.GetMetadata()
	if err != nil {
		return err
	}
	newSizeBytes := int64(newSizeBlk) * 512
	if err := v.backend.Extend(t, v.imgUUID, v.id, newSizeBytes, meta.Type); err != nil {
		return err
	}
	meta.Capacity = uint64(newSizeBytes)
	return v.SetMetadata(t, meta)
}

// Reduce shrinks the volume's underlying storage to newSizeBlk
// 512-byte blocks. It refuses to shrink below the volume's actual
// on-disk allocation.
func (v *Volume) Reduce(t *task.Task, newSizeBlk uint64) error {
	newSizeBytes := int64(newSizeBlk) * 512

	apparent, err := v.backend.ApparentSize(v.imgUUID, v.id)
	if err != nil {
		return err
	}
	if newSizeBytes < apparent {
		return verrors.Newf(verrors.KindInvalidParameter, "volume.Reduce",
			"cannot reduce volume %s to %d bytes below its actual size %d", v.id, newSizeBytes, apparent)
	}

	if err := v.backend.Reduce(v.imgUUID, v.id, newSizeBytes); err != nil {
		return err
	}

	meta, err := v.GetMetadata()
	if err != nil {
		return err
	}
	meta.Capacity = uint64(newSizeBytes)
	return v.SetMetadata(t, meta)
}

// Rename moves the volume's payload and metadata record to newUUID
// through Backend.Rename (no lease is moved), pushing a rollback
// recovery.
func (v *Volume) Rename(t *task.Task, newUUID types.UUID) error {
	oldUUID := v.id
	if err := v.backend.Rename(v.imgUUID, oldUUID, newUUID); err != nil {
		return err
	}
	t.PushRecovery("volume.Rename.rollback", map[string]string{"from": string(newUUID), "to": string(oldUUID)}, func() error {
		return v.backend.Rename(v.imgUUID, newUUID, oldUUID)
	})
	v.id = newUUID
	return nil
}

// SetParentMeta rewrites the volume's PUUID metadata field.
func (v *Volume) SetParentMeta(t *task.Task, puuid types.UUID) error {
	meta, err := v.GetMetadata()
	if err != nil {
		return err
	}
	meta.PUUID = puuid
	return v.SetMetadata(t, meta)
}

// SetParentTag rewrites the block backend's PU_ tag; a no-op on file
// backends.
func (v *Volume) SetParentTag(puuid types.UUID) error {
	return v.backend.SetParentTag(v.imgUUID, v.id, puuid)
}

// Delete removes the volume: it is first marked ILLEGAL, then its
// lease and payload are removed, then its metadata sidecar. Every
// step runs even if an earlier one failed, and the first error is
// returned once cleanup is exhausted (spec §3 "Destroyed" lifecycle,
// §4.7 delete contract).
func (v *Volume) Delete(t *task.Task, discard bool) error {
	if discard && !v.backend.SupportsDiscard() {
		return verrors.Newf(verrors.KindUnsupportedOperation, "volume.Delete", "discard is not supported on this backend")
	}

	var report verrors.CleanupReport

	if meta, err := v.GetMetadata(); err != nil {
		report.Add(err)
	} else {
		meta.Legality = types.LegalityIllegal
		report.Add(v.SetMetadata(t, meta))
	}

	if v.lease != nil {
		ctx := context.Background()
		if h, err := v.lease.AcquireResource(ctx, string(v.id), v.leaseSeq, types.LockExclusive); err == nil {
			report.Add(h.Release(ctx))
		}
	}

	report.Add(v.backend.RemovePayload(v.imgUUID, v.id))
	report.Add(v.backend.RemoveMetadata(v.imgUUID, v.id))

	return report.Err()
}

// OptimalSize reports the size a caller should use when deciding
// whether to grow the volume's underlying storage (spec §4.7
// optimal_size): full capacity for RAW or PREALLOCATED volumes, the
// actual qcow2 allocation for file-backed COW, and a chunk-rounded
// allocation (capped at capacity) for block-backed COW.
func (v *Volume) OptimalSize() (uint64, error) {
	meta, err := v.GetMetadata()
	if err != nil {
		return 0, err
	}
	if meta.Type == types.AllocPreallocated || meta.Format == types.FormatRaw {
		return meta.Capacity, nil
	}

	apparent, err := v.backend.ApparentSize(v.imgUUID, v.id)
	if err != nil {
		return 0, err
	}
	if v.backend.Kind() == types.BackendFile {
		return uint64(apparent), nil
	}

	extent := v.backend.ExtentSize()
	if extent <= 0 {
		extent = volumeUtilizationChunkBytes
	}
	wanted := uint64(apparent) + volumeUtilizationChunkBytes
	rounded := ((wanted + uint64(extent) - 1) / uint64(extent)) * uint64(extent)
	if rounded > meta.Capacity {
		return meta.Capacity, nil
	}
	return rounded, nil
}
