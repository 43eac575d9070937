package domain

import (
	"context"

	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/types"
	"github.com/cuemby/vstorage/pkg/volume"
)

// backendStore is the superset of volume.Backend every concrete
// backend in this package satisfies, plus the domain-level
// enumeration and policy queries only the Storage Domain Manifest
// needs directly (never exposed to pkg/volume, which only ever sees
// the narrower volume.Backend view through Manifest.ProduceVolume).
type backendStore interface {
	volume.Backend

	// ListImages enumerates every image UUID with at least one
	// volume in this domain.
	ListImages(ctx context.Context) ([]types.UUID, error)

	// ListVolumesOfImage enumerates every volume UUID belonging to
	// imgUUID.
	ListVolumesOfImage(ctx context.Context, imgUUID types.UUID) ([]types.UUID, error)

	// QcowCompat reports the qcow2 compatibility level new COW
	// volumes on this domain should be created with.
	QcowCompat() qemuimg.Compat

	// SupportsSparseness reports whether this domain's payload medium
	// can represent a volume sparsely (spec §4.8.3 step 2).
	SupportsSparseness() bool

	// RecommendsUnorderedWrites reports whether qemu-img convert
	// should be run with unordered writes for the given format on
	// this domain (spec §4.8.3 step 3).
	RecommendsUnorderedWrites(format types.VolumeFormat) bool

	// ZeroPayload overwrites a volume's payload with zero bytes,
	// used by zeroImage to scrub content before an image is removed.
	ZeroPayload(imgUUID, volUUID types.UUID, sizeBytes int64) error
}
