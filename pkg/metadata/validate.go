package metadata

import (
	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/types"
)

// ValidateCreateVolumeParams checks the subset of createVolume's
// inputs that depend only on the metadata codec's domain, independent
// of any particular storage domain or chain state (spec §4.5).
// srcVolUUID may be the blank UUID, meaning "new chain, no parent".
func ValidateCreateVolumeParams(format types.VolumeFormat, srcVolUUID types.UUID, diskType types.DiskType, preallocate types.AllocationType) error {
	switch format {
	case types.FormatRaw, types.FormatCow:
	default:
		return verrors.Newf(verrors.KindInvalidParameter, "metadata.ValidateCreateVolumeParams", "unsupported volume format %q", format)
	}

	if !srcVolUUID.IsBlank() {
		if _, err := types.ParseUUID(string(srcVolUUID)); err != nil {
			return verrors.Newf(verrors.KindInvalidParameter, "metadata.ValidateCreateVolumeParams", "malformed source volume uuid %q", srcVolUUID)
		}
	}

	if diskType != "" && !types.ValidDiskTypes[diskType] {
		return verrors.Newf(verrors.KindInvalidParameter, "metadata.ValidateCreateVolumeParams", "unrecognized disk type %q", diskType)
	}

	switch preallocate {
	case types.AllocPreallocated, types.AllocSparse:
	default:
		return verrors.Newf(verrors.KindInvalidParameter, "metadata.ValidateCreateVolumeParams", "unrecognized allocation type %q", preallocate)
	}

	if format == types.FormatCow && preallocate != types.AllocSparse {
		return verrors.Newf(verrors.KindInvalidParameter, "metadata.ValidateCreateVolumeParams", "COW volumes must be SPARSE, got %q", preallocate)
	}

	return nil
}

// ValidateInitialSize checks the initial_size rule from spec §4.6:
// only meaningful for RAW+PREALLOCATED, and must lie within
// [0, capacity].
func ValidateInitialSize(format types.VolumeFormat, preallocate types.AllocationType, initialSize *uint64, capacity uint64) error {
	if initialSize == nil {
		return nil
	}
	if format != types.FormatRaw || preallocate != types.AllocPreallocated {
		return verrors.Newf(verrors.KindInvalidParameter, "metadata.ValidateInitialSize",
			"initial_size is only valid for RAW+PREALLOCATED volumes, got format=%q type=%q", format, preallocate)
	}
	if *initialSize > capacity {
		return verrors.Newf(verrors.KindInvalidParameter, "metadata.ValidateInitialSize",
			"initial_size %d exceeds capacity %d", *initialSize, capacity)
	}
	return nil
}

// ValidateChildCapacity checks spec §3 invariant 5: a child's
// capacity, after 4K rounding, must be >= its parent's.
func ValidateChildCapacity(childCapacity, parentCapacity uint64) error {
	if RoundUpTo4K(childCapacity) < RoundUpTo4K(parentCapacity) {
		return verrors.Newf(verrors.KindInvalidParameter, "metadata.ValidateChildCapacity",
			"capacity %d (rounded %d) is smaller than parent capacity %d (rounded %d)",
			childCapacity, RoundUpTo4K(childCapacity), parentCapacity, RoundUpTo4K(parentCapacity))
	}
	return nil
}
