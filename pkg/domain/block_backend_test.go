package domain

import (
	"context"
	"testing"

	"github.com/cuemby/vstorage/pkg/lvmcmd"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/types"
)

// fakeBlockVG extends fakeVG with the create/remove/resize/rename/
// activate operations BlockManifest needs beyond tag bookkeeping.
type fakeBlockVG struct {
	*fakeVG
	sizes  map[string]int64
	active map[string]bool
}

func newFakeBlockVG() *fakeBlockVG {
	return &fakeBlockVG{fakeVG: newFakeVG(), sizes: make(map[string]int64), active: make(map[string]bool)}
}

func (f *fakeBlockVG) CreateLV(_ context.Context, lvName string, sizeBytes int64, tags []string) error {
	f.lvs[lvName] = append([]string(nil), tags...)
	f.sizes[lvName] = sizeBytes
	return nil
}

func (f *fakeBlockVG) RemoveLV(_ context.Context, lvName string) error {
	delete(f.lvs, lvName)
	delete(f.sizes, lvName)
	delete(f.active, lvName)
	return nil
}

func (f *fakeBlockVG) ExtendLV(_ context.Context, lvName string, newSizeBytes int64) error {
	f.sizes[lvName] = newSizeBytes
	return nil
}

func (f *fakeBlockVG) ReduceLV(_ context.Context, lvName string, newSizeBytes int64) error {
	f.sizes[lvName] = newSizeBytes
	return nil
}

func (f *fakeBlockVG) RenameLV(_ context.Context, oldName, newName string) error {
	f.lvs[newName] = f.lvs[oldName]
	f.sizes[newName] = f.sizes[oldName]
	delete(f.lvs, oldName)
	delete(f.sizes, oldName)
	return nil
}

func (f *fakeBlockVG) ActivateLVs(_ context.Context, lvNames ...string) error {
	for _, n := range lvNames {
		f.active[n] = true
	}
	return nil
}

func (f *fakeBlockVG) DeactivateLVs(_ context.Context, lvNames ...string) error {
	for _, n := range lvNames {
		f.active[n] = false
	}
	return nil
}

func newTestBlockManifest(vg *fakeBlockVG) *BlockManifest {
	return &BlockManifest{
		sdUUID:      "sd-block-1",
		version:     types.DomainVersion5,
		vg:          vg,
		slotAlloc:   newSlotAllocator(vg, types.DomainVersion5),
		extentBytes: 4 << 20,
	}
}

func TestBlockManifestCreatePayloadBindsSlotAndTags(t *testing.T) {
	vg := newFakeBlockVG()
	bm := newTestBlockManifest(vg)
	img, vol := types.UUID("img1"), types.UUID("vol1")

	if err := bm.CreatePayload(img, vol, 1<<30, types.AllocSparse); err != nil {
		t.Fatalf("CreatePayload() error = %v", err)
	}

	tags := vg.lvs[lvName(vol)]
	var hasImageTag, hasSlotTag bool
	for _, tag := range tags {
		if tag == lvmcmd.ImageMemberTag(img) {
			hasImageTag = true
		}
		if _, ok := lvmcmd.ParseMetadataSlotTag(tag); ok {
			hasSlotTag = true
		}
	}
	if !hasImageTag {
		t.Errorf("tags %v missing image member tag", tags)
	}
	if !hasSlotTag {
		t.Errorf("tags %v missing metadata slot tag", tags)
	}
}

func TestBlockManifestSetParentTagReplacesExistingTag(t *testing.T) {
	vg := newFakeBlockVG()
	bm := newTestBlockManifest(vg)
	img, vol := types.UUID("img1"), types.UUID("vol1")

	if err := bm.CreatePayload(img, vol, 1<<20, types.AllocSparse); err != nil {
		t.Fatal(err)
	}
	if err := bm.SetParentTag(img, vol, "parent1"); err != nil {
		t.Fatalf("SetParentTag() error = %v", err)
	}

	var parentTags []string
	for _, tag := range vg.lvs[lvName(vol)] {
		if p, ok := lvmcmd.ParseParentPointerTag(tag); ok {
			parentTags = append(parentTags, string(p))
		}
	}
	if len(parentTags) != 1 || parentTags[0] != "parent1" {
		t.Errorf("parent tags = %v, want exactly [parent1]", parentTags)
	}
}

func TestBlockManifestRemovePayloadDropsImageTagAndLV(t *testing.T) {
	vg := newFakeBlockVG()
	bm := newTestBlockManifest(vg)
	img, vol := types.UUID("img1"), types.UUID("vol1")

	if err := bm.CreatePayload(img, vol, 1<<20, types.AllocSparse); err != nil {
		t.Fatal(err)
	}
	if err := bm.RemovePayload(img, vol); err != nil {
		t.Fatalf("RemovePayload() error = %v", err)
	}
	if _, ok := vg.lvs[lvName(vol)]; ok {
		t.Errorf("LV %s still present after RemovePayload", vol)
	}
}

func TestBlockManifestListImagesAndVolumes(t *testing.T) {
	vg := newFakeBlockVG()
	bm := newTestBlockManifest(vg)
	img := types.UUID("img1")

	for _, v := range []types.UUID{"v1", "v2"} {
		if err := bm.CreatePayload(img, v, 1<<20, types.AllocSparse); err != nil {
			t.Fatal(err)
		}
	}

	images, err := bm.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages() error = %v", err)
	}
	if len(images) != 1 || images[0] != img {
		t.Errorf("ListImages() = %v, want [%v]", images, img)
	}

	vols, err := bm.ListVolumesOfImage(context.Background(), img)
	if err != nil {
		t.Fatalf("ListVolumesOfImage() error = %v", err)
	}
	if len(vols) != 2 {
		t.Errorf("ListVolumesOfImage() = %v, want 2 entries", vols)
	}
}

func TestBlockManifestQcowCompatByVersion(t *testing.T) {
	vg := newFakeBlockVG()
	legacy := &BlockManifest{vg: vg, version: types.DomainVersion3, slotAlloc: newSlotAllocator(vg, types.DomainVersion3)}
	if legacy.QcowCompat() != qemuimg.Compat010 {
		t.Errorf("legacy QcowCompat() = %v, want 0.10", legacy.QcowCompat())
	}

	modern := &BlockManifest{vg: vg, version: types.DomainVersion5, slotAlloc: newSlotAllocator(vg, types.DomainVersion5)}
	if modern.QcowCompat() != qemuimg.Compat11 {
		t.Errorf("modern QcowCompat() = %v, want 1.1", modern.QcowCompat())
	}
}

func TestBlockManifestSupportsSparsenessIsFalse(t *testing.T) {
	bm := newTestBlockManifest(newFakeBlockVG())
	if bm.SupportsSparseness() {
		t.Error("SupportsSparseness() = true, want false")
	}
	if !bm.SupportsDiscard() {
		t.Error("SupportsDiscard() = false, want true")
	}
}
