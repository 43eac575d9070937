package fileadapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/types"
)

const testDomain types.UUID = "11111111-1111-1111-1111-111111111111"

func TestPathExistsTrueAndFalse(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(2)
	defer a.Close()

	present := filepath.Join(dir, "present")
	if err := os.WriteFile(present, []byte("x"), 0o660); err != nil {
		t.Fatal(err)
	}

	ok, err := a.PathExists(testDomain, present)
	if err != nil || !ok {
		t.Fatalf("PathExists(present) = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = a.PathExists(testDomain, filepath.Join(dir, "missing"))
	if err != nil || ok {
		t.Fatalf("PathExists(missing) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestTruncateCreatesAndSizes(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(2)
	defer a.Close()

	path := filepath.Join(dir, "vol")
	if err := a.Truncate(testDomain, path, 4096, 0o660, false); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	st, err := a.Stat(testDomain, path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if st.Size != 4096 {
		t.Errorf("Size = %d, want 4096", st.Size)
	}
}

func TestTruncateExclRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(2)
	defer a.Close()

	path := filepath.Join(dir, "vol")
	if err := a.Truncate(testDomain, path, 1024, 0o660, true); err != nil {
		t.Fatalf("first Truncate() error = %v", err)
	}
	err := a.Truncate(testDomain, path, 1024, 0o660, true)
	if err == nil {
		t.Fatal("second exclusive Truncate() error = nil, want InvalidParameter")
	}
	if verrors.KindOf(err) != verrors.KindInvalidParameter {
		t.Errorf("KindOf(err) = %v, want %v", verrors.KindOf(err), verrors.KindInvalidParameter)
	}
}

func TestStatMissingIsMissingObject(t *testing.T) {
	a := NewAdapter(1)
	defer a.Close()

	_, err := a.Stat(testDomain, filepath.Join(t.TempDir(), "nope"))
	if verrors.KindOf(err) != verrors.KindMissingObject {
		t.Errorf("KindOf(err) = %v, want %v", verrors.KindOf(err), verrors.KindMissingObject)
	}
}

func TestFallocateGrowsFile(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(1)
	defer a.Close()

	path := filepath.Join(dir, "vol")
	if err := a.Truncate(testDomain, path, 0, 0o660, false); err != nil {
		t.Fatal(err)
	}
	if err := a.Fallocate(testDomain, path, 0, 8192, nil); err != nil {
		t.Fatalf("Fallocate() error = %v", err)
	}

	st, err := a.Stat(testDomain, path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size < 8192 {
		t.Errorf("Size = %d, want >= 8192", st.Size)
	}
}

func TestFallocateHonorsAbort(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(1)
	defer a.Close()

	path := filepath.Join(dir, "vol")
	if err := a.Truncate(testDomain, path, 0, 0o660, false); err != nil {
		t.Fatal(err)
	}

	h := NewAbortHandle()
	h.Abort()
	err := a.Fallocate(testDomain, path, 0, 8192, h)
	if err == nil {
		t.Fatal("Fallocate() with pre-aborted handle error = nil, want error")
	}
	if verrors.KindOf(err) != verrors.KindBackendIO {
		t.Errorf("KindOf(err) = %v, want %v", verrors.KindOf(err), verrors.KindBackendIO)
	}
}

func TestRenameMovesFile(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(1)
	defer a.Close()

	oldPath := filepath.Join(dir, "old")
	newPath := filepath.Join(dir, "new")
	if err := os.WriteFile(oldPath, []byte("data"), 0o660); err != nil {
		t.Fatal(err)
	}
	if err := a.Rename(testDomain, oldPath, newPath); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("new path missing after rename: %v", err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("old path still present after rename")
	}
}

func TestUnlinkIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(1)
	defer a.Close()

	path := filepath.Join(dir, "vol")
	if err := os.WriteFile(path, []byte("x"), 0o660); err != nil {
		t.Fatal(err)
	}
	if err := a.Unlink(testDomain, path); err != nil {
		t.Fatalf("first Unlink() error = %v", err)
	}
	if err := a.Unlink(testDomain, path); err != nil {
		t.Fatalf("second Unlink() on missing file error = %v, want nil", err)
	}
}

func TestChmodSetsMode(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(1)
	defer a.Close()

	path := filepath.Join(dir, "vol")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := a.Chmod(testDomain, path, 0o660); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	st, err := a.Stat(testDomain, path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode.Perm() != 0o660 {
		t.Errorf("Mode = %v, want 0660", st.Mode.Perm())
	}
}

func TestReadLinesSplitsByLine(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(1)
	defer a.Close()

	path := filepath.Join(dir, "meta")
	content := "CTIME=1\nFORMAT=COW\nEOF\n"
	if err := os.WriteFile(path, []byte(content), 0o660); err != nil {
		t.Fatal(err)
	}

	lines, err := a.ReadLines(testDomain, path)
	if err != nil {
		t.Fatalf("ReadLines() error = %v", err)
	}
	want := []string{"CTIME=1", "FORMAT=COW", "EOF"}
	if len(lines) != len(want) {
		t.Fatalf("ReadLines() = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestWriteThenRenameIsAtomic(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(1)
	defer a.Close()

	path := filepath.Join(dir, "meta")
	if err := a.WriteThenRename(testDomain, path, []byte("v1"), 0o660); err != nil {
		t.Fatalf("first WriteThenRename() error = %v", err)
	}
	if err := a.WriteThenRename(testDomain, path, []byte("v2-longer"), 0o660); err != nil {
		t.Fatalf("second WriteThenRename() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2-longer" {
		t.Errorf("content = %q, want %q", got, "v2-longer")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind after rename")
	}
}

func TestReadAtWriteAtRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(1)
	defer a.Close()

	path := filepath.Join(dir, "metadata-lv")
	if err := a.Truncate(testDomain, path, 4096, 0o660, false); err != nil {
		t.Fatal(err)
	}

	slot := 512
	payload := []byte("MD_CONTENT")
	if err := a.WriteAt(testDomain, path, int64(slot), payload); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	got, err := a.ReadAt(testDomain, path, int64(slot), len(payload))
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("ReadAt() = %q, want %q", got, payload)
	}
}

func TestPoolsAreIsolatedPerDomain(t *testing.T) {
	a := NewAdapter(1)
	defer a.Close()

	d1 := a.poolFor(types.UUID("a"))
	d2 := a.poolFor(types.UUID("b"))
	if d1 == d2 {
		t.Error("poolFor() returned the same pool for two different domains")
	}
	if a.poolFor(types.UUID("a")) != d1 {
		t.Error("poolFor() did not return the cached pool on second call")
	}
}
