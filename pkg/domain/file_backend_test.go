package domain

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/vstorage/pkg/fileadapter"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/types"
)

const testSD types.UUID = "sd-file-1"

func newTestFileManifest(t *testing.T) *FileManifest {
	t.Helper()
	root := t.TempDir()
	adapter := fileadapter.NewAdapter(2)
	t.Cleanup(adapter.Close)
	return NewFileManifest(testSD, root, adapter, qemuimg.NewRunner(""))
}

func TestFileManifestCreatePayloadAndMetadataRoundTrip(t *testing.T) {
	fm := newTestFileManifest(t)
	img, vol := types.UUID("img1"), types.UUID("vol1")

	if err := os.MkdirAll(fm.imageDir(img), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fm.CreatePayload(img, vol, 4096, types.AllocSparse); err != nil {
		t.Fatalf("CreatePayload() error = %v", err)
	}

	raw := []byte("CTIME=1\nEOF\n")
	if err := fm.WriteMetadata(img, vol, raw); err != nil {
		t.Fatalf("WriteMetadata() error = %v", err)
	}
	got, err := fm.ReadMetadata(img, vol)
	if err != nil {
		t.Fatalf("ReadMetadata() error = %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("ReadMetadata() = %q, want %q", got, raw)
	}
}

func TestFileManifestRenameMovesPayloadAndMeta(t *testing.T) {
	fm := newTestFileManifest(t)
	img := types.UUID("img1")

	if err := os.MkdirAll(fm.imageDir(img), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fm.CreatePayload(img, "old", 1024, types.AllocSparse); err != nil {
		t.Fatal(err)
	}
	if err := fm.WriteMetadata(img, "old", []byte("EOF\n")); err != nil {
		t.Fatal(err)
	}

	if err := fm.Rename(img, "old", "new"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := os.Stat(fm.volPath(img, "new")); err != nil {
		t.Errorf("new payload missing: %v", err)
	}
	if _, err := os.Stat(fm.metaPath(img, "new")); err != nil {
		t.Errorf("new meta missing: %v", err)
	}
	if _, err := os.Stat(fm.volPath(img, "old")); !os.IsNotExist(err) {
		t.Error("old payload still present after rename")
	}
}

func TestFileManifestListImagesAndVolumes(t *testing.T) {
	fm := newTestFileManifest(t)
	img := types.UUID("img1")

	if err := os.MkdirAll(fm.imageDir(img), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, v := range []types.UUID{"v1", "v2"} {
		if err := fm.CreatePayload(img, v, 1024, types.AllocSparse); err != nil {
			t.Fatal(err)
		}
		if err := fm.WriteMetadata(img, v, []byte("EOF\n")); err != nil {
			t.Fatal(err)
		}
	}

	images, err := fm.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages() error = %v", err)
	}
	if len(images) != 1 || images[0] != img {
		t.Errorf("ListImages() = %v, want [%v]", images, img)
	}

	vols, err := fm.ListVolumesOfImage(context.Background(), img)
	if err != nil {
		t.Fatalf("ListVolumesOfImage() error = %v", err)
	}
	if len(vols) != 2 {
		t.Errorf("ListVolumesOfImage() = %v, want 2 entries", vols)
	}
}

func TestFileManifestListImagesOnMissingDomainIsEmpty(t *testing.T) {
	fm := newTestFileManifest(t)
	images, err := fm.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages() error = %v", err)
	}
	if len(images) != 0 {
		t.Errorf("ListImages() = %v, want empty", images)
	}
}

func TestFileManifestSupportsSparsenessAndDiscard(t *testing.T) {
	fm := newTestFileManifest(t)
	if !fm.SupportsSparseness() {
		t.Error("SupportsSparseness() = false, want true")
	}
	if fm.SupportsDiscard() {
		t.Error("SupportsDiscard() = true, want false")
	}
}

func TestFileManifestPayloadPathUnderImageDir(t *testing.T) {
	fm := newTestFileManifest(t)
	got := fm.PayloadPath("img1", "vol1")
	want := filepath.Join(fm.root, "images", "img1", "vol1")
	if got != want {
		t.Errorf("PayloadPath() = %q, want %q", got, want)
	}
}
