package metadata

import (
	"strings"
	"testing"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/types"
)

func sampleMeta() types.VolumeMeta {
	return types.VolumeMeta{
		CTime:       1700000000,
		Description: "test volume",
		DiskType:    types.DiskTypeData,
		Domain:      types.UUID("d0000000-0000-0000-0000-000000000000"),
		Format:      types.FormatCow,
		Image:       types.UUID("i0000000-0000-0000-0000-000000000000"),
		Legality:    types.LegalityLegal,
		PUUID:       types.BlankUUID,
		Capacity:    10 << 20,
		Type:        types.AllocSparse,
		VolType:     types.RoleLeaf,
		Gen:         0,
	}
}

func TestSerializeParseRoundTripV5(t *testing.T) {
	meta := sampleMeta()
	raw, err := Serialize(types.DomainVersion5, meta)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	got, err := Parse(types.DomainVersion5, raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got != meta {
		t.Errorf("round trip = %+v, want %+v", got, meta)
	}
}

func TestSerializeV4UsesSizeBlocks(t *testing.T) {
	meta := sampleMeta()
	raw, err := Serialize(types.DomainVersion4, meta)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	text := string(raw)
	if !strings.Contains(text, "SIZE=20480\n") {
		t.Errorf("record = %q, want SIZE=20480", text)
	}
	if strings.Contains(text, "CAP=") {
		t.Errorf("v<=4 record should not contain CAP: %q", text)
	}
	if !strings.Contains(text, "MTIME=0\n") {
		t.Errorf("v<=4 record should contain literal MTIME=0: %q", text)
	}
}

func TestSerializeV5OmitsMtimeAndSize(t *testing.T) {
	meta := sampleMeta()
	raw, err := Serialize(types.DomainVersion5, meta)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	text := string(raw)
	if strings.Contains(text, "MTIME=") {
		t.Errorf("v>=5 record should not contain MTIME: %q", text)
	}
	if strings.Contains(text, "SIZE=") {
		t.Errorf("v>=5 record should not contain SIZE: %q", text)
	}
}

func TestSerializeRejectsLongDescription(t *testing.T) {
	meta := sampleMeta()
	meta.Description = strings.Repeat("x", 211)
	_, err := Serialize(types.DomainVersion5, meta)
	if verrors.KindOf(err) != verrors.KindInvalidParameter {
		t.Errorf("KindOf(err) = %v, want %v", verrors.KindOf(err), verrors.KindInvalidParameter)
	}
}

func TestParseRejectsMissingEOF(t *testing.T) {
	_, err := Parse(types.DomainVersion5, []byte("CTIME=1\n"))
	if verrors.KindOf(err) != verrors.KindIntegrityViolation {
		t.Errorf("KindOf(err) = %v, want %v", verrors.KindOf(err), verrors.KindIntegrityViolation)
	}
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	raw := "CTIME=1\nDESCRIPTION=d\nDISKTYPE=DATA\nDOMAIN=d\nFORMAT=RAW\nIMAGE=i\nLEGALITY=LEGAL\nPUUID=BLANK\nCAP=4096\nTYPE=SPARSE\nVOLTYPE=LEAF\nFUTURE_KEY=surprise\nGEN=3\nEOF\n"
	meta, err := Parse(types.DomainVersion5, []byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if meta.Gen != 3 {
		t.Errorf("Gen = %d, want 3", meta.Gen)
	}
}

func TestParseDefaultsMissingGenToZero(t *testing.T) {
	raw := "CTIME=1\nDESCRIPTION=d\nDISKTYPE=DATA\nDOMAIN=d\nFORMAT=RAW\nIMAGE=i\nLEGALITY=LEGAL\nPUUID=BLANK\nCAP=4096\nTYPE=SPARSE\nVOLTYPE=LEAF\nEOF\n"
	meta, err := Parse(types.DomainVersion5, []byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if meta.Gen != 0 {
		t.Errorf("Gen = %d, want 0", meta.Gen)
	}
}

func TestParseRejectsOversizeRecord(t *testing.T) {
	_, err := Parse(types.DomainVersion5, []byte(strings.Repeat("x", 512)+"\nEOF\n"))
	if verrors.KindOf(err) != verrors.KindIntegrityViolation {
		t.Errorf("KindOf(err) = %v, want %v", verrors.KindOf(err), verrors.KindIntegrityViolation)
	}
}

func TestRoundUpTo4K(t *testing.T) {
	cases := map[uint64]uint64{
		0:    0,
		1:    4096,
		4096: 4096,
		4097: 8192,
	}
	for in, want := range cases {
		if got := RoundUpTo4K(in); got != want {
			t.Errorf("RoundUpTo4K(%d) = %d, want %d", in, got, want)
		}
	}
}
