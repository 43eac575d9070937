package volume

import (
	"testing"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/metadata"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// fakeBackend is an in-memory Backend double, sized for unit tests
// rather than any real storage medium.
type fakeBackend struct {
	kind types.BackendKind

	meta       map[types.UUID][]byte
	payload    map[types.UUID]int64 // size in bytes
	apparent   map[types.UUID]int64
	active     map[types.UUID]bool
	parentTags map[types.UUID]types.UUID
	discard    bool
	extent     int64

	deactivateErr error
}

func newFakeBackend(kind types.BackendKind) *fakeBackend {
	return &fakeBackend{
		kind:       kind,
		meta:       make(map[types.UUID][]byte),
		payload:    make(map[types.UUID]int64),
		apparent:   make(map[types.UUID]int64),
		active:     make(map[types.UUID]bool),
		parentTags: make(map[types.UUID]types.UUID),
	}
}

func (b *fakeBackend) Kind() types.BackendKind { return b.kind }

func (b *fakeBackend) ReadMetadata(_, volUUID types.UUID) ([]byte, error) {
	raw, ok := b.meta[volUUID]
	if !ok {
		return nil, verrors.Newf(verrors.KindMissingObject, "fakeBackend.ReadMetadata", "no metadata for %s", volUUID)
	}
	return raw, nil
}

func (b *fakeBackend) WriteMetadata(_, volUUID types.UUID, raw []byte) error {
	b.meta[volUUID] = raw
	return nil
}

func (b *fakeBackend) PayloadPath(_, volUUID types.UUID) string { return "/fake/" + string(volUUID) }

func (b *fakeBackend) CreatePayload(_, volUUID types.UUID, sizeBytes int64, _ types.AllocationType) error {
	b.payload[volUUID] = sizeBytes
	b.apparent[volUUID] = sizeBytes
	return nil
}

func (b *fakeBackend) Extend(_ *task.Task, _, volUUID types.UUID, newSizeBytes int64, _ types.AllocationType) error {
	b.payload[volUUID] = newSizeBytes
	return nil
}

func (b *fakeBackend) Reduce(_, volUUID types.UUID, newSizeBytes int64) error {
	b.payload[volUUID] = newSizeBytes
	return nil
}

func (b *fakeBackend) Rename(_, oldUUID, newUUID types.UUID) error {
	b.meta[newUUID] = b.meta[oldUUID]
	delete(b.meta, oldUUID)
	b.payload[newUUID] = b.payload[oldUUID]
	delete(b.payload, oldUUID)
	return nil
}

func (b *fakeBackend) SetParentTag(_, volUUID, parent types.UUID) error {
	b.parentTags[volUUID] = parent
	return nil
}

func (b *fakeBackend) Activate(_, volUUID types.UUID) error {
	b.active[volUUID] = true
	return nil
}

func (b *fakeBackend) Deactivate(_, volUUID types.UUID) error {
	if b.deactivateErr != nil {
		return b.deactivateErr
	}
	b.active[volUUID] = false
	return nil
}

func (b *fakeBackend) RemovePayload(_, volUUID types.UUID) error {
	delete(b.payload, volUUID)
	return nil
}

func (b *fakeBackend) RemoveMetadata(_, volUUID types.UUID) error {
	delete(b.meta, volUUID)
	return nil
}

func (b *fakeBackend) ApparentSize(_, volUUID types.UUID) (int64, error) {
	return b.apparent[volUUID], nil
}

func (b *fakeBackend) SupportsDiscard() bool { return b.discard }

func (b *fakeBackend) ExtentSize() int64 { return b.extent }

func newTestVolume(t *testing.T, backend *fakeBackend, id types.UUID, meta types.VolumeMeta) *Volume {
	t.Helper()
	raw, err := metadata.Serialize(types.DomainVersion5, meta)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	backend.meta[id] = raw
	return New(types.UUID("sd"), types.DomainVersion5, types.UUID("img"), id, backend, nil, 0, nil)
}

func baseMeta() types.VolumeMeta {
	return types.VolumeMeta{
		CTime:    1700000000,
		Domain:   types.UUID("sd"),
		Image:    types.UUID("img"),
		Format:   types.FormatRaw,
		Legality: types.LegalityLegal,
		PUUID:    types.BlankUUID,
		Capacity: 10 << 20,
		Type:     types.AllocPreallocated,
		VolType:  types.RoleLeaf,
	}
}

func TestGetMetadataRoundTrips(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	vol := newTestVolume(t, backend, "v1", baseMeta())

	got, err := vol.GetMetadata()
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if got.Capacity != 10<<20 {
		t.Errorf("Capacity = %d, want %d", got.Capacity, 10<<20)
	}
}

func TestSetMetadataBumpsGen(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	meta := baseMeta()
	meta.Gen = 5
	vol := newTestVolume(t, backend, "v1", meta)

	tk := task.New("t1", nil)
	next := meta
	next.Description = "updated"
	if err := vol.SetMetadata(tk, next); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}

	got, err := vol.GetMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if got.Gen != 6 {
		t.Errorf("Gen = %d, want 6", got.Gen)
	}
	if got.Description != "updated" {
		t.Errorf("Description = %q, want %q", got.Description, "updated")
	}
}

func TestSetMetadataRollsBackOnTaskAbort(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	meta := baseMeta()
	meta.Description = "original"
	vol := newTestVolume(t, backend, "v1", meta)

	tk := task.New("t1", nil)
	err := tk.Run(func(tk *task.Task) error {
		next := meta
		next.Description = "changed"
		if err := vol.SetMetadata(tk, next); err != nil {
			return err
		}
		return errBoom
	})
	if err == nil {
		t.Fatal("Run() error = nil, want errBoom wrapped")
	}

	got, gerr := vol.GetMetadata()
	if gerr != nil {
		t.Fatal(gerr)
	}
	if got.Description != "original" {
		t.Errorf("Description after rollback = %q, want %q", got.Description, "original")
	}
}

func TestPrepareActivatesAndRecursesParent(t *testing.T) {
	backend := newFakeBackend(types.BackendBlock)

	parentMeta := baseMeta()
	parentMeta.Format = types.FormatRaw
	parentMeta.VolType = types.RoleInternal
	parent := newTestVolume(t, backend, "parent", parentMeta)

	childMeta := baseMeta()
	childMeta.Format = types.FormatCow
	childMeta.PUUID = "parent"
	child := newTestVolume(t, backend, "child", childMeta)
	child.resolveParent = func(p types.UUID) (*Volume, error) {
		if p != "parent" {
			return nil, verrors.Newf(verrors.KindMissingObject, "test", "unexpected parent %s", p)
		}
		return parent, nil
	}

	tk := task.New("t1", nil)
	if err := child.Prepare(tk, true, true, false); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !backend.active["child"] {
		t.Error("child was not activated")
	}
	if !backend.active["parent"] {
		t.Error("parent was not activated by chainRW recursion")
	}
}

func TestPrepareRejectsIllegalForWrite(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	meta := baseMeta()
	meta.Legality = types.LegalityIllegal
	vol := newTestVolume(t, backend, "v1", meta)

	tk := task.New("t1", nil)
	err := vol.Prepare(tk, true, false, false)
	if verrors.KindOf(err) != verrors.KindIntegrityViolation {
		t.Errorf("KindOf(err) = %v, want IntegrityViolation", verrors.KindOf(err))
	}
}

func TestExtendGrowsAndUpdatesMetadata(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	vol := newTestVolume(t, backend, "v1", baseMeta())

	tk := task.New("t1", nil)
	if err := vol.Extend(tk, 40960); err != nil { // 20 MiB in 512-blocks
		t.Fatalf("Extend() error = %v", err)
	}

	meta, err := vol.GetMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if meta.Capacity != 20<<20 {
		t.Errorf("Capacity = %d, want %d", meta.Capacity, 20<<20)
	}
}

func TestReduceRejectsBelowApparentSize(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	vol := newTestVolume(t, backend, "v1", baseMeta())
	backend.apparent["v1"] = 9 << 20

	tk := task.New("t1", nil)
	err := vol.Reduce(tk, 8<<20/512)
	if verrors.KindOf(err) != verrors.KindInvalidParameter {
		t.Errorf("KindOf(err) = %v, want InvalidParameter", verrors.KindOf(err))
	}
}

func TestRenameMovesIdentity(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	vol := newTestVolume(t, backend, "old", baseMeta())

	tk := task.New("t1", nil)
	if err := vol.Rename(tk, "new"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if vol.ID() != "new" {
		t.Errorf("ID() = %v, want new", vol.ID())
	}
	if _, ok := backend.meta["old"]; ok {
		t.Error("old metadata key still present after rename")
	}
}

func TestDeleteMarksIllegalThenRemoves(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	vol := newTestVolume(t, backend, "v1", baseMeta())

	tk := task.New("t1", nil)
	if err := vol.Delete(tk, false); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := backend.meta["v1"]; ok {
		t.Error("metadata still present after Delete")
	}
	if _, ok := backend.payload["v1"]; ok {
		t.Error("payload still present after Delete")
	}
}

func TestDeleteRejectsDiscardWhenUnsupported(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	vol := newTestVolume(t, backend, "v1", baseMeta())

	tk := task.New("t1", nil)
	err := vol.Delete(tk, true)
	if verrors.KindOf(err) != verrors.KindUnsupportedOperation {
		t.Errorf("KindOf(err) = %v, want UnsupportedOperation", verrors.KindOf(err))
	}
}

func TestOptimalSizeRawReturnsCapacity(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	vol := newTestVolume(t, backend, "v1", baseMeta())

	got, err := vol.OptimalSize()
	if err != nil {
		t.Fatal(err)
	}
	if got != 10<<20 {
		t.Errorf("OptimalSize() = %d, want %d", got, 10<<20)
	}
}

func TestOptimalSizeFileCowReturnsApparent(t *testing.T) {
	backend := newFakeBackend(types.BackendFile)
	meta := baseMeta()
	meta.Format = types.FormatCow
	meta.Type = types.AllocSparse
	vol := newTestVolume(t, backend, "v1", meta)
	backend.apparent["v1"] = 3 << 20

	got, err := vol.OptimalSize()
	if err != nil {
		t.Fatal(err)
	}
	if got != 3<<20 {
		t.Errorf("OptimalSize() = %d, want %d", got, 3<<20)
	}
}

var errBoom = verrors.Newf(verrors.KindBackendIO, "test", "boom")
