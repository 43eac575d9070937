package domain

import (
	"context"
	"testing"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/metadata"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// metaKey scopes fakeStore's metadata map by (image, volume), mirroring
// the real backends' images/<imgUUID>/<volUUID> layout closely enough
// that a lookup under the wrong image genuinely misses, the way it
// would against a file or block domain.
type metaKey struct {
	img types.UUID
	vol types.UUID
}

// fakeStore is an in-memory backendStore double, following the same
// shape as pkg/volume's fakeBackend, extended with image/volume
// enumeration and the domain-level policy queries.
type fakeStore struct {
	meta     map[metaKey][]byte
	payload  map[types.UUID]int64
	images   map[types.UUID]map[types.UUID]bool
	zeroed   map[types.UUID]int64
	tags     map[types.UUID]types.UUID
	active   map[types.UUID]bool
	compat   qemuimg.Compat
	sparse   bool
	unordRaw bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		meta:    make(map[metaKey][]byte),
		payload: make(map[types.UUID]int64),
		images:  make(map[types.UUID]map[types.UUID]bool),
		zeroed:  make(map[types.UUID]int64),
		tags:    make(map[types.UUID]types.UUID),
		active:  make(map[types.UUID]bool),
		compat:  qemuimg.Compat11,
		sparse:  true,
	}
}

func (s *fakeStore) Kind() types.BackendKind { return types.BackendFile }

func (s *fakeStore) ReadMetadata(imgUUID, volUUID types.UUID) ([]byte, error) {
	raw, ok := s.meta[metaKey{imgUUID, volUUID}]
	if !ok {
		return nil, verrors.Newf(verrors.KindMissingObject, "fakeStore.ReadMetadata", "no metadata for %s/%s", imgUUID, volUUID)
	}
	return raw, nil
}

func (s *fakeStore) WriteMetadata(imgUUID, volUUID types.UUID, raw []byte) error {
	s.meta[metaKey{imgUUID, volUUID}] = raw
	return nil
}

func (s *fakeStore) PayloadPath(_, volUUID types.UUID) string { return "/fake/" + string(volUUID) }

func (s *fakeStore) CreatePayload(imgUUID, volUUID types.UUID, sizeBytes int64, _ types.AllocationType) error {
	if _, exists := s.payload[volUUID]; exists {
		return verrors.Newf(verrors.KindInvalidParameter, "fakeStore.CreatePayload", "volume %s already exists", volUUID)
	}
	s.payload[volUUID] = sizeBytes
	if s.images[imgUUID] == nil {
		s.images[imgUUID] = make(map[types.UUID]bool)
	}
	s.images[imgUUID][volUUID] = true
	return nil
}

func (s *fakeStore) Extend(_ *task.Task, _, volUUID types.UUID, newSizeBytes int64, _ types.AllocationType) error {
	s.payload[volUUID] = newSizeBytes
	return nil
}

func (s *fakeStore) Reduce(_, volUUID types.UUID, newSizeBytes int64) error {
	s.payload[volUUID] = newSizeBytes
	return nil
}

func (s *fakeStore) Rename(imgUUID, oldUUID, newUUID types.UUID) error {
	s.meta[metaKey{imgUUID, newUUID}] = s.meta[metaKey{imgUUID, oldUUID}]
	delete(s.meta, metaKey{imgUUID, oldUUID})
	return nil
}

func (s *fakeStore) SetParentTag(_, volUUID, parent types.UUID) error {
	s.tags[volUUID] = parent
	return nil
}

func (s *fakeStore) Activate(_, volUUID types.UUID) error   { s.active[volUUID] = true; return nil }
func (s *fakeStore) Deactivate(_, volUUID types.UUID) error { s.active[volUUID] = false; return nil }

func (s *fakeStore) RemovePayload(imgUUID, volUUID types.UUID) error {
	delete(s.payload, volUUID)
	delete(s.images[imgUUID], volUUID)
	return nil
}

func (s *fakeStore) RemoveMetadata(imgUUID, volUUID types.UUID) error {
	delete(s.meta, metaKey{imgUUID, volUUID})
	return nil
}

func (s *fakeStore) ExtentSize() int64 { return 0 }

func (s *fakeStore) ApparentSize(_, volUUID types.UUID) (int64, error) { return s.payload[volUUID], nil }

func (s *fakeStore) SupportsDiscard() bool { return false }

func (s *fakeStore) ZeroPayload(_, volUUID types.UUID, sizeBytes int64) error {
	s.zeroed[volUUID] = sizeBytes
	return nil
}

func (s *fakeStore) ListImages(_ context.Context) ([]types.UUID, error) {
	var out []types.UUID
	for img := range s.images {
		out = append(out, img)
	}
	return out, nil
}

func (s *fakeStore) ListVolumesOfImage(_ context.Context, imgUUID types.UUID) ([]types.UUID, error) {
	var out []types.UUID
	for vol := range s.images[imgUUID] {
		out = append(out, vol)
	}
	return out, nil
}

func (s *fakeStore) QcowCompat() qemuimg.Compat { return s.compat }
func (s *fakeStore) SupportsSparseness() bool   { return s.sparse }
func (s *fakeStore) RecommendsUnorderedWrites(format types.VolumeFormat) bool {
	return format == types.FormatRaw
}

func newTestManifest(store *fakeStore) *Manifest {
	return NewManifest("sd1", types.DomainVersion5, store, nil, nil, qemuimg.NewRunner(""))
}

func TestCreateVolumeBaseRawWritesMetadataAndPayload(t *testing.T) {
	store := newFakeStore()
	m := newTestManifest(store)
	tsk := task.New("t1", nil)

	vol, err := m.CreateVolume(tsk, CreateVolumeParams{
		ImgUUID:     "img1",
		VolUUID:     "vol1",
		Capacity:    1 << 20,
		Format:      types.FormatRaw,
		Preallocate: types.AllocSparse,
		DiskType:    types.DiskTypeData,
	})
	if err != nil {
		t.Fatalf("CreateVolume() error = %v", err)
	}
	if vol.ID() != "vol1" {
		t.Errorf("vol.ID() = %q, want vol1", vol.ID())
	}
	if store.payload["vol1"] != 1<<20 {
		t.Errorf("payload size = %d, want %d", store.payload["vol1"], 1<<20)
	}

	got, err := vol.GetMetadata()
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if got.Capacity != 1<<20 || got.Format != types.FormatRaw || got.Legality != types.LegalityLegal {
		t.Errorf("metadata = %+v, unexpected", got)
	}
}

func TestCreateVolumeRejectsSmallerSnapshotCapacity(t *testing.T) {
	store := newFakeStore()
	m := newTestManifest(store)
	tsk := task.New("t1", nil)

	parentMeta := types.VolumeMeta{
		Format: types.FormatCow, Capacity: 1 << 30, Legality: types.LegalityLegal,
		DiskType: types.DiskTypeData, Domain: "sd1", Image: "img1", PUUID: types.BlankUUID, Type: types.AllocSparse,
	}
	raw, err := metadata.Serialize(types.DomainVersion5, parentMeta)
	if err != nil {
		t.Fatal(err)
	}
	store.meta[metaKey{"img1", "parent1"}] = raw
	store.payload["parent1"] = 1 << 30
	store.images["img1"] = map[types.UUID]bool{"parent1": true}

	_, err = m.CreateVolume(tsk, CreateVolumeParams{
		ImgUUID:     "img1",
		VolUUID:     "vol1",
		Capacity:    1 << 10, // far smaller than the parent
		Format:      types.FormatCow,
		Preallocate: types.AllocSparse,
		DiskType:    types.DiskTypeData,
		SrcImgUUID:  "img1",
		SrcVolUUID:  "parent1",
	})
	if err == nil {
		t.Fatal("CreateVolume() error = nil, want capacity validation failure")
	}
	if verrors.KindOf(err) != verrors.KindInvalidParameter {
		t.Errorf("KindOf(err) = %v, want KindInvalidParameter", verrors.KindOf(err))
	}
}

func TestFindVolumeImageResolvesCrossImageTemplate(t *testing.T) {
	store := newFakeStore()
	m := newTestManifest(store)
	tsk := task.New("t1", nil)

	// A shared template volume living under its own image, imgT.
	tmplMeta := types.VolumeMeta{
		Format: types.FormatCow, Capacity: 1 << 30, Legality: types.LegalityLegal,
		DiskType: types.DiskTypeData, Domain: "sd1", Image: "imgT", PUUID: types.BlankUUID,
		Type: types.AllocSparse, VolType: types.RoleShared,
	}
	raw, err := metadata.Serialize(types.DomainVersion5, tmplMeta)
	if err != nil {
		t.Fatal(err)
	}
	store.meta[metaKey{"imgT", "tmpl1"}] = raw
	store.payload["tmpl1"] = 1 << 30
	store.images["imgT"] = map[types.UUID]bool{"tmpl1": true}

	// A volume in a different image, img1, cloned from that template —
	// the "shared base referenced by multiple images" data model.
	if _, err := m.CreateVolume(tsk, CreateVolumeParams{
		ImgUUID:     "img1",
		VolUUID:     "vol1",
		Capacity:    1 << 30,
		Format:      types.FormatCow,
		Preallocate: types.AllocSparse,
		DiskType:    types.DiskTypeData,
		SrcImgUUID:  "imgT",
		SrcVolUUID:  "tmpl1",
	}); err != nil {
		t.Fatalf("CreateVolume() error = %v", err)
	}

	got, err := m.FindVolumeImage(context.Background(), "img1", "tmpl1")
	if err != nil {
		t.Fatalf("FindVolumeImage() error = %v", err)
	}
	if got != "imgT" {
		t.Errorf("FindVolumeImage() = %s, want imgT", got)
	}

	// ProduceVolume's ParentResolver must recurse into the template's
	// real image rather than assuming it belongs to img1.
	vol, err := m.ProduceVolume("img1", "vol1")
	if err != nil {
		t.Fatalf("ProduceVolume() error = %v", err)
	}
	if err := vol.Prepare(tsk, false, true, false); err != nil {
		t.Fatalf("Prepare() error = %v, want successful cross-image parent resolution", err)
	}
}

func TestDeleteImageRemovesEveryVolume(t *testing.T) {
	store := newFakeStore()
	m := newTestManifest(store)
	tsk := task.New("t1", nil)

	for _, v := range []types.UUID{"v1", "v2"} {
		if _, err := m.CreateVolume(tsk, CreateVolumeParams{
			ImgUUID: "img1", VolUUID: v, Capacity: 4096,
			Format: types.FormatRaw, Preallocate: types.AllocSparse, DiskType: types.DiskTypeData,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.DeleteImage(tsk, "img1", false, false); err != nil {
		t.Fatalf("DeleteImage() error = %v", err)
	}
	vols, err := m.GetVolsOfImage(context.Background(), "img1")
	if err != nil {
		t.Fatal(err)
	}
	if len(vols) != 0 {
		t.Errorf("GetVolsOfImage() after DeleteImage = %v, want empty", vols)
	}
}

func TestGetClusterLeaseRequiresCache(t *testing.T) {
	store := newFakeStore()
	m := newTestManifest(store)
	if _, err := m.GetClusterLease("vol1"); err == nil {
		t.Fatal("GetClusterLease() error = nil, want unsupported-operation error without a cache")
	}
	if m.HasVolumeLeases() {
		t.Error("HasVolumeLeases() = true, want false without lease + cache")
	}
}
