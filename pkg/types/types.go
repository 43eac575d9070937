package types

import (
	"fmt"

	"github.com/google/uuid"
)

// UUID is the opaque 128-bit identifier used for storage domains,
// images and volumes. It is always formatted canonically
// (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx).
type UUID string

// BlankUUID is the sentinel meaning "no parent" or "unknown".
const BlankUUID UUID = "00000000-0000-0000-0000-000000000000"

// NewUUID generates a fresh canonical UUID.
func NewUUID() UUID {
	return UUID(uuid.New().String())
}

// ParseUUID validates s as a canonical UUID string.
func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return UUID(id.String()), nil
}

// IsBlank reports whether u is the blank sentinel or empty.
func (u UUID) IsBlank() bool {
	return u == "" || u == BlankUUID
}

func (u UUID) String() string {
	return string(u)
}

// DomainVersion is the on-disk storage domain metadata format version.
type DomainVersion int

const (
	DomainVersion0 DomainVersion = 0
	DomainVersion2 DomainVersion = 2
	DomainVersion3 DomainVersion = 3
	DomainVersion4 DomainVersion = 4
	DomainVersion5 DomainVersion = 5
)

// SupportsCapacityBytes reports whether this version stores CAP (bytes)
// rather than SIZE (512-byte blocks).
func (v DomainVersion) SupportsCapacityBytes() bool {
	return v >= DomainVersion5
}

// SupportedBlockSizes returns the block sizes the domain may advertise
// for this version (§ domain-version compatibility).
func (v DomainVersion) SupportedBlockSizes() []int {
	if v >= DomainVersion5 {
		return []int{512, 4096}
	}
	return []int{512}
}

// DomainClass is the purpose of a storage domain.
type DomainClass string

const (
	DomainClassData   DomainClass = "DATA"
	DomainClassISO    DomainClass = "ISO"
	DomainClassBackup DomainClass = "BACKUP"
)

// BackendKind is the physical storage medium a domain is built on.
type BackendKind string

const (
	BackendFile  BackendKind = "FILE"
	BackendBlock BackendKind = "BLOCK"
)

// Alignment is the lease alignment granularity in bytes, used by the
// cluster lock to size host slots (spec §4.2).
type Alignment int64

const (
	Align1M Alignment = 1 << 20
	Align2M Alignment = 2 << 20
	Align4M Alignment = 4 << 20
	Align8M Alignment = 8 << 20
)

// MaxHosts returns the maximum host count supported for the given
// (blockSize, alignment) pair, or 0 if the combination is unsupported.
// Table from spec §4.2.
func MaxHosts(blockSize int, alignment Alignment) int {
	switch {
	case blockSize == 512 && alignment == Align1M:
		return 2000
	case blockSize == 4096 && alignment == Align1M:
		return 250
	case blockSize == 4096 && alignment == Align2M:
		return 500
	case blockSize == 4096 && alignment == Align4M:
		return 1000
	case blockSize == 4096 && alignment == Align8M:
		return 2000
	default:
		return 0
	}
}

// AllocationType is how a volume's payload is allocated on disk.
type AllocationType string

const (
	AllocPreallocated AllocationType = "PREALLOCATED"
	AllocSparse       AllocationType = "SPARSE"
	AllocUnknown      AllocationType = "UNKNOWN"
)

// VolumeFormat is the on-disk container format of a volume's payload.
type VolumeFormat string

const (
	FormatRaw     VolumeFormat = "RAW"
	FormatCow     VolumeFormat = "COW"
	FormatUnknown VolumeFormat = "UNKNOWN"
)

// DiskType is the payload role of a volume, a closed set of 4-char
// tags (spec §3, VOL_DISKTYPE).
type DiskType string

const (
	DiskTypeSystem DiskType = "SYST" // OS boot disk
	DiskTypeData   DiskType = "DATA" // general-purpose data disk
	DiskTypeShared DiskType = "SHAR" // disk shared read/write across guests
	DiskTypeSwap   DiskType = "SWAP" // guest swap/paging disk
)

// ValidDiskTypes is the closed set accepted by validateCreateVolumeParams.
var ValidDiskTypes = map[DiskType]bool{
	DiskTypeSystem: true,
	DiskTypeData:   true,
	DiskTypeShared: true,
	DiskTypeSwap:   true,
}

// VolumeRole is a volume's position in its image's chain.
type VolumeRole string

const (
	RoleLeaf     VolumeRole = "LEAF"
	RoleInternal VolumeRole = "INTERNAL"
	RoleShared   VolumeRole = "SHARED"
)

// Legality is whether a volume may be used to satisfy reads.
type Legality string

const (
	LegalityLegal   Legality = "LEGAL"
	LegalityIllegal Legality = "ILLEGAL"
	LegalityFake    Legality = "FAKE"
)

// LockMode is the mode requested of the cluster lock for a resource.
type LockMode string

const (
	LockShared    LockMode = "SHARED"
	LockExclusive LockMode = "EXCLUSIVE"
)

// Namespace groups resources for the resource manager (pkg/resource).
type Namespace string

const (
	NamespaceStorage           Namespace = "STORAGE"
	NamespaceImage             Namespace = "IMAGE_NAMESPACE"
	NamespaceVolume            Namespace = "VOLUME_NAMESPACE"
	NamespaceLVMActivation     Namespace = "LVM_ACTIVATION_NAMESPACE"
	NamespaceVolumeLease       Namespace = "VOLUME_LEASE_NAMESPACE"
)

// MetadataSizeLimit is the worst-case serialized record size per
// domain version generation (spec §3 invariant 2, §6).
const (
	MetadataSizeLimitV4 = 276 // v<=4
	MetadataSizeLimitV5 = 270 // v>=5
)

// MaxDescriptionBytes bounds the DESCRIPTION field.
const MaxDescriptionBytes = 210

// GenWrap is the modulus GEN wraps around at (spec §9: GEN 0..999).
const GenWrap = 1000

// VolumeMeta is the in-memory decoding of a volume's metadata sidecar
// (spec §3 table, §6 canonical record).
type VolumeMeta struct {
	CTime       int64
	MTime       int64
	Description string
	DiskType    DiskType
	Domain      UUID
	Format      VolumeFormat
	Image       UUID
	Legality    Legality
	PUUID       UUID
	Capacity    uint64 // bytes, always normalized internally
	Type        AllocationType
	VolType     VolumeRole
	Gen         int
}

// Clone returns a deep copy safe to mutate independently.
func (m VolumeMeta) Clone() VolumeMeta {
	return m
}

// NextGen returns the generation value to record after a metadata
// write, wrapping at GenWrap as the original source does.
func NextGen(current int) int {
	return (current + 1) % GenWrap
}
