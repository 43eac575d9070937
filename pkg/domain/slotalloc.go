package domain

import (
	"context"
	"sync"

	"github.com/cuemby/vstorage/pkg/lvmcmd"
	"github.com/cuemby/vstorage/pkg/types"
)

// lvTagLister is the slice of *lvmcmd.VG the metadata slot allocator
// needs, narrowed to an interface so tests can substitute a fake VG
// without shelling out to a real lvm binary.
type lvTagLister interface {
	ListLVs(ctx context.Context) ([]lvmcmd.LV, error)
	ChangeTags(ctx context.Context, lvName string, add, del []string) error
}

// slotAllocator hands out metadata slot numbers for block-domain
// volumes: it scans MD_<n> tags across the volume group and binds the
// lowest free slot atomically via a tag (spec §4.6). Slots 0..3 are
// reserved in domain version <= 4 (first usable slot is 4); version
// >= 5 starts at slot 1.
type slotAllocator struct {
	vg      lvTagLister
	version types.DomainVersion
	mu      sync.Mutex
}

func newSlotAllocator(vg lvTagLister, version types.DomainVersion) *slotAllocator {
	return &slotAllocator{vg: vg, version: version}
}

func (a *slotAllocator) firstSlot() int {
	if a.version >= types.DomainVersion5 {
		return 1
	}
	return 4
}

// Allocate scans every LV's tags for the lowest unused MD_<n> slot,
// binds it to lvName, and returns the bound slot. The allocator's own
// lock serializes concurrent allocations within this process; the
// tag write itself is what makes the binding durable, so a slot stays
// bound to its LV until Release runs, even across a process restart.
func (a *slotAllocator) Allocate(ctx context.Context, lvName string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lvs, err := a.vg.ListLVs(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool)
	for _, lv := range lvs {
		for _, tag := range lv.Tags {
			if slot, ok := lvmcmd.ParseMetadataSlotTag(tag); ok {
				used[slot] = true
			}
		}
	}

	slot := a.firstSlot()
	for used[slot] {
		slot++
	}
	if err := a.vg.ChangeTags(ctx, lvName, []string{lvmcmd.MetadataSlotTag(slot)}, nil); err != nil {
		return 0, err
	}
	return slot, nil
}

// Release removes the metadata-slot tag from lvName, freeing the slot
// for Allocate to hand out again.
func (a *slotAllocator) Release(ctx context.Context, lvName string, slot int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vg.ChangeTags(ctx, lvName, nil, []string{lvmcmd.MetadataSlotTag(slot)})
}

// SlotOf returns the metadata slot currently bound to lvName, or
// ok=false if lvName carries no MD_ tag.
func (a *slotAllocator) SlotOf(ctx context.Context, lvName string) (slot int, ok bool, err error) {
	lvs, err := a.vg.ListLVs(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, lv := range lvs {
		if lv.Name != lvName {
			continue
		}
		for _, tag := range lv.Tags {
			if s, isSlot := lvmcmd.ParseMetadataSlotTag(tag); isSlot {
				return s, true, nil
			}
		}
	}
	return 0, false, nil
}
