package domain

import (
	"context"
	"time"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/clusterlock"
	"github.com/cuemby/vstorage/pkg/metadata"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
	"github.com/cuemby/vstorage/pkg/volume"
)

// Manifest is the Storage Domain Manifest (spec §4.6): the
// domain-wide operations layered over a backendStore, producing
// pkg/volume.Volume manifests and driving image-scoped lifecycle
// operations across every volume of an image.
type Manifest struct {
	sdUUID  types.UUID
	version types.DomainVersion
	store   backendStore
	lease   *clusterlock.DomainLock
	cache   *Cache
	qemu    *qemuimg.Runner
}

// NewManifest binds a domain manifest to store. lease and cache may
// both be nil for a domain class that carries no volume leases (spec
// §4.9 hasVolumeLeases).
func NewManifest(sdUUID types.UUID, version types.DomainVersion, store backendStore, lease *clusterlock.DomainLock, cache *Cache, qemu *qemuimg.Runner) *Manifest {
	return &Manifest{sdUUID: sdUUID, version: version, store: store, lease: lease, cache: cache, qemu: qemu}
}

// ProduceVolume binds a pkg/volume.Volume manifest to volUUID within
// imgUUID, wiring its ParentResolver back through this Manifest so a
// COW chain can recurse without pkg/volume importing pkg/domain.
func (m *Manifest) ProduceVolume(imgUUID, volUUID types.UUID) (*volume.Volume, error) {
	if _, err := m.store.ReadMetadata(imgUUID, volUUID); err != nil {
		return nil, err
	}
	slot := 0
	if m.cache != nil {
		s, err := m.cache.AllocateLeaseSlot(m.sdUUID, volUUID)
		if err != nil {
			return nil, err
		}
		slot = s
	}
	resolver := func(parent types.UUID) (*volume.Volume, error) {
		parentImg, err := m.FindVolumeImage(context.Background(), imgUUID, parent)
		if err != nil {
			return nil, err
		}
		return m.ProduceVolume(parentImg, parent)
	}
	return volume.New(m.sdUUID, m.version, imgUUID, volUUID, m.store, m.lease, slot, resolver), nil
}

// FindVolumeImage locates the image volUUID actually belongs to,
// trying imgUUID first (the common case: volUUID is one of imgUUID's
// own overlays) before falling back to every other image on the
// domain. The fallback is what lets a chain rooted at a shared
// template discover that template's real owning image instead of
// failing with KindMissingObject the moment a parent pointer crosses
// into another image (spec §3: "rooted ... at a shared base (template)
// referenced by multiple images").
func (m *Manifest) FindVolumeImage(ctx context.Context, imgUUID, volUUID types.UUID) (types.UUID, error) {
	if _, err := m.store.ReadMetadata(imgUUID, volUUID); err == nil {
		return imgUUID, nil
	}
	imgs, err := m.store.ListImages(ctx)
	if err != nil {
		return "", err
	}
	for _, img := range imgs {
		if img == imgUUID {
			continue
		}
		if _, err := m.store.ReadMetadata(img, volUUID); err == nil {
			return img, nil
		}
	}
	return "", verrors.Newf(verrors.KindMissingObject, "domain.Manifest.FindVolumeImage", "volume %s not found in any image on this domain", volUUID)
}

// GetAllVolumes enumerates every volume UUID on this domain, across
// every image.
func (m *Manifest) GetAllVolumes(ctx context.Context) ([]types.UUID, error) {
	imgs, err := m.store.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	var all []types.UUID
	for _, img := range imgs {
		vols, err := m.store.ListVolumesOfImage(ctx, img)
		if err != nil {
			return nil, err
		}
		all = append(all, vols...)
	}
	return all, nil
}

// GetVolsOfImage enumerates every volume UUID belonging to imgUUID.
func (m *Manifest) GetVolsOfImage(ctx context.Context, imgUUID types.UUID) ([]types.UUID, error) {
	return m.store.ListVolumesOfImage(ctx, imgUUID)
}

// GetMetadata decodes volUUID's sidecar record directly, for callers
// (the chain engine's discovery/estimation passes) that only need a
// read and would otherwise pay for a pkg/volume.Volume's lease-slot
// bookkeeping to get one.
func (m *Manifest) GetMetadata(imgUUID, volUUID types.UUID) (types.VolumeMeta, error) {
	raw, err := m.store.ReadMetadata(imgUUID, volUUID)
	if err != nil {
		return types.VolumeMeta{}, err
	}
	return metadata.Parse(m.version, raw)
}

// ApparentSize reports volUUID's actual on-disk allocation, used by
// the chain engine's size estimation passes.
func (m *Manifest) ApparentSize(imgUUID, volUUID types.UUID) (int64, error) {
	return m.store.ApparentSize(imgUUID, volUUID)
}

// PayloadPath returns the path or device node backing volUUID.
func (m *Manifest) PayloadPath(imgUUID, volUUID types.UUID) string {
	return m.store.PayloadPath(imgUUID, volUUID)
}

// SDUUID returns the UUID of the domain this manifest manages.
func (m *Manifest) SDUUID() types.UUID { return m.sdUUID }

// Version returns the domain's on-disk metadata format version.
func (m *Manifest) Version() types.DomainVersion { return m.version }

// CreateVolumeParams is createVolume's input (spec §4.6 contract).
type CreateVolumeParams struct {
	ImgUUID     types.UUID
	VolUUID     types.UUID
	Capacity    uint64 // bytes
	Format      types.VolumeFormat
	Preallocate types.AllocationType
	DiskType    types.DiskType
	Description string

	// SrcImgUUID/SrcVolUUID name the parent volume for a COW snapshot;
	// both are blank for a base volume.
	SrcImgUUID types.UUID
	SrcVolUUID types.UUID

	InitialSize *uint64
}

func allocToPreallocation(a types.AllocationType) qemuimg.Preallocation {
	if a == types.AllocPreallocated {
		return qemuimg.PreallocationFalloc
	}
	return qemuimg.PreallocationOff
}

// CreateVolume implements spec §4.6's createVolume ordering: (1)
// allocate underlying storage; (2) fallocate if PREALLOC; (3) for COW
// with parent, clone from parent; (4) permissions (handled by the
// backend's CreatePayload, which creates file payloads at 0o660); (5)
// write metadata record last; (6) create a lease resource slot.
func (m *Manifest) CreateVolume(t *task.Task, p CreateVolumeParams) (*volume.Volume, error) {
	hasParent := !p.SrcVolUUID.IsBlank()

	if err := metadata.ValidateCreateVolumeParams(p.Format, p.SrcVolUUID, p.DiskType, p.Preallocate); err != nil {
		return nil, err
	}
	if p.InitialSize != nil {
		if err := metadata.ValidateInitialSize(p.Format, p.Preallocate, p.InitialSize, p.Capacity); err != nil {
			return nil, err
		}
	}

	var parentMeta types.VolumeMeta
	if hasParent {
		srcImg := p.SrcImgUUID
		if srcImg.IsBlank() {
			srcImg = p.ImgUUID
		}
		raw, err := m.store.ReadMetadata(srcImg, p.SrcVolUUID)
		if err != nil {
			return nil, err
		}
		pm, err := metadata.Parse(m.version, raw)
		if err != nil {
			return nil, err
		}
		parentMeta = pm
		if err := metadata.ValidateChildCapacity(p.Capacity, parentMeta.Capacity); err != nil {
			return nil, err
		}
	}

	sizeBytes := int64(p.Capacity)
	if p.InitialSize != nil {
		sizeBytes = int64(*p.InitialSize)
	}

	// (1) allocate underlying storage.
	if err := m.store.CreatePayload(p.ImgUUID, p.VolUUID, sizeBytes, p.Preallocate); err != nil {
		return nil, verrors.New(verrors.KindBackendIO, "domain.Manifest.CreateVolume", err)
	}
	t.PushRecovery("domain.CreateVolume.removePayload", map[string]string{"vol": string(p.VolUUID)}, func() error {
		return m.store.RemovePayload(p.ImgUUID, p.VolUUID)
	})

	// (2) fallocate if PREALLOC.
	if p.Preallocate == types.AllocPreallocated {
		if err := m.store.Extend(t, p.ImgUUID, p.VolUUID, int64(p.Capacity), p.Preallocate); err != nil {
			return nil, err
		}
	}

	// (3) for COW, format the qcow2 container, optionally backed by
	// the parent (base COW volumes get a backingless qcow2 header).
	if p.Format == types.FormatCow {
		ctx := context.Background()
		opt := qemuimg.CreateOptions{
			Format:        types.FormatCow,
			SizeBytes:     int64(p.Capacity),
			Preallocation: allocToPreallocation(p.Preallocate),
			Compat:        m.store.QcowCompat(),
		}
		if hasParent {
			srcImg := p.SrcImgUUID
			if srcImg.IsBlank() {
				srcImg = p.ImgUUID
			}
			opt.Backing = m.store.PayloadPath(srcImg, p.SrcVolUUID)
			opt.BackingFormat = parentMeta.Format
		}
		if err := m.qemu.Create(ctx, m.store.PayloadPath(p.ImgUUID, p.VolUUID), opt); err != nil {
			return nil, err
		}
	}

	// (5) write metadata record last.
	now := time.Now().Unix()
	role := types.RoleLeaf
	puuid := types.BlankUUID
	if hasParent {
		puuid = p.SrcVolUUID
	}
	meta := types.VolumeMeta{
		CTime:       now,
		MTime:       now,
		Description: p.Description,
		DiskType:    p.DiskType,
		Domain:      m.sdUUID,
		Format:      p.Format,
		Image:       p.ImgUUID,
		Legality:    types.LegalityLegal,
		PUUID:       puuid,
		Capacity:    p.Capacity,
		Type:        p.Preallocate,
		VolType:     role,
		Gen:         0,
	}
	raw, err := metadata.Serialize(m.version, meta)
	if err != nil {
		return nil, err
	}
	if err := m.store.WriteMetadata(p.ImgUUID, p.VolUUID, raw); err != nil {
		return nil, verrors.New(verrors.KindBackendIO, "domain.Manifest.CreateVolume", err)
	}

	if err := m.store.SetParentTag(p.ImgUUID, p.VolUUID, puuid); err != nil {
		return nil, err
	}

	// (6) create lease resource (slot reservation; the resource
	// itself is acquired on demand by pkg/volume.Delete/Prepare).
	if m.cache != nil {
		if _, err := m.cache.AllocateLeaseSlot(m.sdUUID, p.VolUUID); err != nil {
			return nil, err
		}
	}

	return m.ProduceVolume(p.ImgUUID, p.VolUUID)
}

// DeleteImage removes every volume of imgUUID. Each volume's delete
// runs even if an earlier one failed, per volume.Delete's own
// maximize-cleanup contract; the first error encountered across the
// whole image is returned once every volume has been attempted.
func (m *Manifest) DeleteImage(t *task.Task, imgUUID types.UUID, postZero, discard bool) error {
	ctx := context.Background()
	vols, err := m.store.ListVolumesOfImage(ctx, imgUUID)
	if err != nil {
		return err
	}

	var report verrors.CleanupReport
	for _, volUUID := range vols {
		if postZero {
			report.Add(m.zeroVolume(imgUUID, volUUID))
		}
		vol, err := m.ProduceVolume(imgUUID, volUUID)
		if err != nil {
			report.Add(err)
			continue
		}
		report.Add(vol.Delete(t, discard))
	}
	return report.Err()
}

func (m *Manifest) zeroVolume(imgUUID, volUUID types.UUID) error {
	raw, err := m.store.ReadMetadata(imgUUID, volUUID)
	if err != nil {
		return err
	}
	meta, err := metadata.Parse(m.version, raw)
	if err != nil {
		return err
	}
	return m.store.ZeroPayload(imgUUID, volUUID, int64(meta.Capacity))
}

// ZeroImage scrubs every volume's payload with zero bytes without
// removing them, used ahead of a later DeleteImage when a caller
// wants the wipe and the removal as separate, individually
// recoverable steps.
func (m *Manifest) ZeroImage(imgUUID types.UUID) error {
	ctx := context.Background()
	vols, err := m.store.ListVolumesOfImage(ctx, imgUUID)
	if err != nil {
		return err
	}
	var report verrors.CleanupReport
	for _, volUUID := range vols {
		report.Add(m.zeroVolume(imgUUID, volUUID))
	}
	return report.Err()
}

// TemplateRelink rewires volUUID's parent pointer (metadata PUUID and
// the block backend's PU_ tag) to newParentVolUUID, used when a
// template's base volume is replaced by a freshly promoted clone.
func (m *Manifest) TemplateRelink(t *task.Task, imgUUID, volUUID, newParentVolUUID types.UUID) error {
	vol, err := m.ProduceVolume(imgUUID, volUUID)
	if err != nil {
		return err
	}
	if err := vol.SetParentMeta(t, newParentVolUUID); err != nil {
		return err
	}
	return vol.SetParentTag(newParentVolUUID)
}

// ActivateVolumes brings every volume of imgUUID online (a no-op per
// volume on file domains, LV activation on block domains).
func (m *Manifest) ActivateVolumes(imgUUID types.UUID) error {
	ctx := context.Background()
	vols, err := m.store.ListVolumesOfImage(ctx, imgUUID)
	if err != nil {
		return err
	}
	for _, volUUID := range vols {
		if err := m.store.Activate(imgUUID, volUUID); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateImage takes every volume of imgUUID offline, continuing
// past individual failures so one stuck LV does not block the rest.
func (m *Manifest) DeactivateImage(imgUUID types.UUID) error {
	ctx := context.Background()
	vols, err := m.store.ListVolumesOfImage(ctx, imgUUID)
	if err != nil {
		return err
	}
	var report verrors.CleanupReport
	for _, volUUID := range vols {
		report.Add(m.store.Deactivate(imgUUID, volUUID))
	}
	return report.Err()
}

// LeaseInfo identifies a volume's cluster lease resource: the
// lockspace it lives in (the owning domain) and its slot number
// within that lockspace's leases area.
type LeaseInfo struct {
	Lockspace string
	Name      string
	Slot      int
}

// GetClusterLease returns volUUID's lease slot, assigning one on
// first request if the domain carries volume leases at all.
func (m *Manifest) GetClusterLease(volUUID types.UUID) (LeaseInfo, error) {
	if m.cache == nil {
		return LeaseInfo{}, verrors.Newf(verrors.KindUnsupportedOperation, "domain.Manifest.GetClusterLease", "domain %s does not carry volume leases", m.sdUUID)
	}
	slot, ok := m.cache.LeaseSlot(m.sdUUID, volUUID)
	if !ok {
		s, err := m.cache.AllocateLeaseSlot(m.sdUUID, volUUID)
		if err != nil {
			return LeaseInfo{}, err
		}
		slot = s
	}
	return LeaseInfo{Lockspace: string(m.sdUUID), Name: string(volUUID), Slot: slot}, nil
}

// HasVolumeLeases reports whether this domain backs its volumes with
// cluster leases at all.
func (m *Manifest) HasVolumeLeases() bool { return m.lease != nil && m.cache != nil }

// AcquireVolumeLease takes out the cluster lease backing volUUID, for
// callers (the host service layer) that need the lease held for the
// duration of an operation rather than just at volume.Prepare/Delete
// time. It returns a nil handle, not an error, on a domain that
// carries no volume leases, so a caller can treat lease acquisition
// as unconditionally optional (spec §4.9 "optionally acquires the
// cluster lease").
func (m *Manifest) AcquireVolumeLease(ctx context.Context, volUUID types.UUID, mode types.LockMode) (*clusterlock.ResourceHandle, error) {
	if !m.HasVolumeLeases() {
		return nil, nil
	}
	info, err := m.GetClusterLease(volUUID)
	if err != nil {
		return nil, err
	}
	return m.lease.AcquireResource(ctx, info.Name, info.Slot, mode)
}

// QcowCompat, SupportsSparseness and RecommendsUnorderedWrites are
// thin delegations to the bound backend, exposed at the domain level
// for the chain engine's size-estimation and copy-planning steps.
func (m *Manifest) QcowCompat() qemuimg.Compat { return m.store.QcowCompat() }
func (m *Manifest) SupportsSparseness() bool   { return m.store.SupportsSparseness() }
func (m *Manifest) RecommendsUnorderedWrites(format types.VolumeFormat) bool {
	return m.store.RecommendsUnorderedWrites(format)
}

// Kind reports whether this domain is backed by plain files or LVM
// block devices, used by the chain engine to decide whether a
// post-merge shrink applies (spec §4.8.5 step (d): block-backed
// chunked volumes only).
func (m *Manifest) Kind() types.BackendKind { return m.store.Kind() }
