package chain

import (
	"github.com/cuemby/vstorage/pkg/domain"
	"github.com/cuemby/vstorage/pkg/metadata"
	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
	"github.com/cuemby/vstorage/pkg/volume"
)

// SnapshotParams is Snapshot's input: a new COW volume, its capacity,
// and the parent it snapshots.
type SnapshotParams struct {
	SdUUID      types.UUID
	ImgUUID     types.UUID
	ParentUUID  types.UUID
	NewVolUUID  types.UUID
	Capacity    uint64
	Preallocate types.AllocationType
	DiskType    types.DiskType
	Description string
}

// Snapshot adds a new COW volume as a child of ParentUUID within the
// same image (spec §4.8.4): equivalent to createVolume with
// srcVolUUID set to the parent, except the engine also bumps the
// parent's role to INTERNAL, since a volume with a child can no
// longer be a LEAF.
func (e *Engine) Snapshot(t *task.Task, p SnapshotParams) (vol *volume.Volume, err error) {
	timer := metrics.NewTimer()
	defer func() {
		observeOp("snapshot", err)
		timer.ObserveDurationVec(metrics.ChainOperationDuration, "snapshot")
	}()

	m, err := e.manifest(p.SdUUID)
	if err != nil {
		return nil, err
	}

	handle, err := e.lockImage(t, p.ImgUUID, types.LockExclusive)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	parentMeta, err := m.GetMetadata(p.ImgUUID, p.ParentUUID)
	if err != nil {
		return nil, err
	}
	if err := metadata.ValidateChildCapacity(p.Capacity, parentMeta.Capacity); err != nil {
		return nil, err
	}

	created, err := m.CreateVolume(t, domain.CreateVolumeParams{
		ImgUUID:     p.ImgUUID,
		VolUUID:     p.NewVolUUID,
		Capacity:    p.Capacity,
		Format:      types.FormatCow,
		Preallocate: p.Preallocate,
		DiskType:    p.DiskType,
		Description: p.Description,
		SrcImgUUID:  p.ImgUUID,
		SrcVolUUID:  p.ParentUUID,
	})
	if err != nil {
		return nil, err
	}

	parentVol, err := m.ProduceVolume(p.ImgUUID, p.ParentUUID)
	if err != nil {
		return nil, err
	}
	parentMeta.VolType = types.RoleInternal
	if err := parentVol.SetMetadata(t, parentMeta); err != nil {
		return nil, err
	}

	return created, nil
}
