package lvmcmd

import "fmt"

// VolumeType is lv_attr byte 1: the kind of LV this is.
type VolumeType rune

const (
	VolumeTypeSnapshot VolumeType = 's'
	VolumeTypeThinVolume VolumeType = 'V'
	VolumeTypeVirtual  VolumeType = 'v'
	VolumeTypeNone     VolumeType = '-'
)

// Permissions is lv_attr byte 2.
type Permissions rune

const (
	PermissionsWriteable Permissions = 'w'
	PermissionsReadOnly  Permissions = 'r'
	PermissionsNone      Permissions = '-'
)

// State is lv_attr byte 5: whether the LV's device-mapper table is
// active.
type State rune

const (
	StateActive    State = 'a'
	StateSuspended State = 's'
	StateInactive  State = '-'
	StateUnknown   State = 'X'
)

// Open is lv_attr byte 6: whether anything currently has the device
// open.
type Open rune

const (
	OpenTrue  Open = 'o'
	OpenFalse Open = '-'
)

// LvAttr is a parsed lv_attr field (see lvs(8)), trimmed to the bytes
// the engine reads: volume type, permissions, active/suspended state,
// and open count. The remaining bytes are retained verbatim in Raw
// for logging.
type LvAttr struct {
	VolumeType  VolumeType
	Permissions Permissions
	State       State
	Open        Open
	Raw         string
}

// ParsedLvAttr parses a 10-character lv_attr string as reported by
// `lvs -o lv_attr`.
func ParsedLvAttr(raw string) (LvAttr, error) {
	if len(raw) != 10 {
		return LvAttr{}, fmt.Errorf("%q is not a 10-character lv_attr field", raw)
	}
	return LvAttr{
		VolumeType:  VolumeType(raw[0]),
		Permissions: Permissions(raw[1]),
		State:       State(raw[4]),
		Open:        Open(raw[5]),
		Raw:         raw,
	}, nil
}

// IsActive reports whether the LV's device-mapper table is active,
// i.e. usable as a block device right now.
func (a LvAttr) IsActive() bool {
	return a.State == StateActive
}

func (a LvAttr) String() string { return a.Raw }
