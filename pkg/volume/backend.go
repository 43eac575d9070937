package volume

import (
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// Backend is the storage-domain-specific half of a volume: the part
// that differs between a file/NFS domain and a block/LVM domain. A
// Volume manifest holds one Backend and drives it through the
// operations common to both kinds (spec §4.7).
//
// pkg/domain's FileManifest and BlockManifest each implement Backend;
// pkg/volume never imports pkg/domain, so the dependency only runs
// one way.
type Backend interface {
	// Kind reports which physical medium this backend is built on.
	Kind() types.BackendKind

	// ReadMetadata returns the raw sidecar record bytes for volUUID.
	ReadMetadata(imgUUID, volUUID types.UUID) ([]byte, error)

	// WriteMetadata atomically replaces the sidecar record for
	// volUUID.
	WriteMetadata(imgUUID, volUUID types.UUID, raw []byte) error

	// PayloadPath returns the path (file) or device node (block) a
	// caller should open to read/write the volume's actual content.
	PayloadPath(imgUUID, volUUID types.UUID) string

	// CreatePayload reserves the underlying storage for a new volume:
	// a plain or O_EXCL-created file, or a freshly allocated LV.
	CreatePayload(imgUUID, volUUID types.UUID, sizeBytes int64, alloc types.AllocationType) error

	// Extend grows the underlying storage to newSizeBytes. t is used
	// to register an abort callback around a long fallocate (file
	// backend, PREALLOCATED).
	Extend(t *task.Task, imgUUID, volUUID types.UUID, newSizeBytes int64, alloc types.AllocationType) error

	// Reduce shrinks the underlying storage to newSizeBytes.
	Reduce(imgUUID, volUUID types.UUID, newSizeBytes int64) error

	// Rename moves a volume's payload and metadata record under a new
	// UUID: the payload file and its .meta file on file backends, the
	// LV (whose tags and metadata slot go with it) on block backends.
	// No lease is moved and no tag is rewritten.
	Rename(imgUUID, oldUUID, newUUID types.UUID) error

	// SetParentTag updates the block backend's PU_ tag; a no-op on
	// file backends, where the parent pointer lives only in metadata.
	SetParentTag(imgUUID, volUUID, parent types.UUID) error

	// Activate brings the underlying LV online; a no-op on file
	// backends.
	Activate(imgUUID, volUUID types.UUID) error

	// Deactivate takes the underlying LV offline; a no-op on file
	// backends.
	Deactivate(imgUUID, volUUID types.UUID) error

	// RemovePayload unlinks the file or removes the LV, renaming to
	// the _remove_me_ form first on block backends.
	RemovePayload(imgUUID, volUUID types.UUID) error

	// RemoveMetadata deletes the sidecar record: the .meta file (file
	// backend) or the freed metadata slot plus its tags (block
	// backend).
	RemoveMetadata(imgUUID, volUUID types.UUID) error

	// ExtentSize returns the block backend's VG extent granularity in
	// bytes, or 0 on file backends where extent rounding does not
	// apply.
	ExtentSize() int64

	// ApparentSize returns the actual on-disk allocation (as opposed
	// to declared virtual capacity) for optimal_size / estimation.
	ApparentSize(imgUUID, volUUID types.UUID) (int64, error)

	// SupportsDiscard reports whether RemovePayload's discard option
	// is meaningful for this backend (false for file domains).
	SupportsDiscard() bool
}
