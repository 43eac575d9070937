package lvmcmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/vstorage/pkg/types"
)

// Tag prefixes for the three per-volume LV tags every live block
// volume carries.
const (
	tagMetadataSlot  = "MD_"
	tagImageMember   = "IU_"
	tagParentPointer = "PU_"
)

// MetadataSlotTag formats the metadata-slot tag for slot.
func MetadataSlotTag(slot int) string {
	return fmt.Sprintf("%s%d", tagMetadataSlot, slot)
}

// ImageMemberTag formats the image-membership tag for imgUUID.
func ImageMemberTag(imgUUID types.UUID) string {
	return tagImageMember + string(imgUUID)
}

// ParentPointerTag formats the parent-pointer tag; puuid may be
// types.BlankUUID for a volume with no parent.
func ParentPointerTag(puuid types.UUID) string {
	if puuid.IsBlank() {
		return tagParentPointer + "BLANK"
	}
	return tagParentPointer + string(puuid)
}

// ParseMetadataSlotTag extracts the slot index from an MD_<n> tag, or
// ok=false if tag isn't one.
func ParseMetadataSlotTag(tag string) (slot int, ok bool) {
	if !strings.HasPrefix(tag, tagMetadataSlot) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(tag, tagMetadataSlot))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseImageMemberTag extracts the image UUID from an IU_<uuid> tag.
func ParseImageMemberTag(tag string) (types.UUID, bool) {
	if !strings.HasPrefix(tag, tagImageMember) {
		return "", false
	}
	return types.UUID(strings.TrimPrefix(tag, tagImageMember)), true
}

// ParseParentPointerTag extracts the parent UUID (possibly blank)
// from a PU_<uuidOrBLANK> tag.
func ParseParentPointerTag(tag string) (types.UUID, bool) {
	if !strings.HasPrefix(tag, tagParentPointer) {
		return "", false
	}
	value := strings.TrimPrefix(tag, tagParentPointer)
	if value == "BLANK" {
		return types.BlankUUID, true
	}
	return types.UUID(value), true
}

// removeMePrefix is the rename applied to an LV at delete time, ahead
// of the actual lvremove, so a concurrent scanner never sees a
// half-deleted volume under its live name.
const removeMePrefix = "_remove_me_"

// RemoveMeName formats the renamed-for-deletion LV name. rand should
// be a short per-call random token so repeated deletes of
// differently-failed volumes never collide.
func RemoveMeName(rand string, volUUID types.UUID) string {
	return fmt.Sprintf("%s%s_%s", removeMePrefix, rand, volUUID)
}

// IsRemoveMeName reports whether name is a renamed-for-deletion LV.
func IsRemoveMeName(name string) bool {
	return strings.HasPrefix(name, removeMePrefix)
}
