// Package metadata implements the volume metadata sidecar codec: the
// key=value, EOF-terminated record described by the on-disk layout,
// including the version split between 512-byte-block SIZE (domain
// version <= 4) and byte CAP (version >= 5).
package metadata

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/types"
)

const eofMarker = "EOF"

const bytesPerBlock = 512

// Parse decodes a metadata sidecar record. Unknown keys are ignored
// so a record written by a newer host remains readable; a missing
// GEN defaults to 0 (spec §4.5, "auto-heals GEN default").
func Parse(version types.DomainVersion, raw []byte) (types.VolumeMeta, error) {
	if limit := sizeLimit(version); len(raw) > limit {
		return types.VolumeMeta{}, verrors.Newf(verrors.KindIntegrityViolation, "metadata.Parse",
			"record is %d bytes, exceeds the %d-byte metadata block limit", len(raw), limit)
	}

	fields := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sawEOF := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == eofMarker {
			sawEOF = true
			break
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return types.VolumeMeta{}, verrors.Newf(verrors.KindIntegrityViolation, "metadata.Parse", "malformed line %q", line)
		}
		fields[key] = value
	}
	if err := sc.Err(); err != nil {
		return types.VolumeMeta{}, verrors.New(verrors.KindBackendIO, "metadata.Parse", err)
	}
	if !sawEOF {
		return types.VolumeMeta{}, verrors.Newf(verrors.KindIntegrityViolation, "metadata.Parse", "record is missing EOF terminator")
	}

	var meta types.VolumeMeta
	meta.CTime = parseInt64(fields["CTIME"])
	meta.MTime = parseInt64(fields["MTIME"])
	meta.Description = fields["DESCRIPTION"]
	meta.DiskType = types.DiskType(fields["DISKTYPE"])
	meta.Domain = types.UUID(fields["DOMAIN"])
	meta.Format = types.VolumeFormat(fields["FORMAT"])
	meta.Image = types.UUID(fields["IMAGE"])
	meta.Legality = types.Legality(fields["LEGALITY"])
	meta.PUUID = types.UUID(fields["PUUID"])
	meta.Type = types.AllocationType(fields["TYPE"])
	meta.VolType = types.VolumeRole(fields["VOLTYPE"])

	if gen, ok := fields["GEN"]; ok && gen != "" {
		n, err := strconv.Atoi(gen)
		if err != nil {
			return types.VolumeMeta{}, verrors.Newf(verrors.KindIntegrityViolation, "metadata.Parse", "invalid GEN %q: %v", gen, err)
		}
		meta.Gen = n
	} else {
		meta.Gen = 0
	}

	if version.SupportsCapacityBytes() {
		cap, err := strconv.ParseUint(fields["CAP"], 10, 64)
		if err != nil {
			return types.VolumeMeta{}, verrors.Newf(verrors.KindIntegrityViolation, "metadata.Parse", "invalid CAP %q: %v", fields["CAP"], err)
		}
		meta.Capacity = cap
	} else {
		blocks, err := strconv.ParseUint(fields["SIZE"], 10, 64)
		if err != nil {
			return types.VolumeMeta{}, verrors.Newf(verrors.KindIntegrityViolation, "metadata.Parse", "invalid SIZE %q: %v", fields["SIZE"], err)
		}
		meta.Capacity = blocks * bytesPerBlock
	}

	return meta, nil
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Serialize encodes meta into a metadata sidecar record for the given
// domain version, in the fixed key order of the canonical record
// (spec §6). It rejects a description over 210 bytes and a record
// that would overflow the metadata block.
func Serialize(version types.DomainVersion, meta types.VolumeMeta) ([]byte, error) {
	if len(meta.Description) > types.MaxDescriptionBytes {
		return nil, verrors.Newf(verrors.KindInvalidParameter, "metadata.Serialize",
			"description is %d bytes, exceeds the %d-byte limit", len(meta.Description), types.MaxDescriptionBytes)
	}

	gen := ((meta.Gen % types.GenWrap) + types.GenWrap) % types.GenWrap

	var b strings.Builder
	fmt.Fprintf(&b, "CTIME=%d\n", meta.CTime)
	fmt.Fprintf(&b, "DESCRIPTION=%s\n", meta.Description)
	fmt.Fprintf(&b, "DISKTYPE=%s\n", meta.DiskType)
	fmt.Fprintf(&b, "DOMAIN=%s\n", meta.Domain)
	fmt.Fprintf(&b, "FORMAT=%s\n", meta.Format)
	fmt.Fprintf(&b, "IMAGE=%s\n", meta.Image)
	fmt.Fprintf(&b, "LEGALITY=%s\n", meta.Legality)
	if !version.SupportsCapacityBytes() {
		fmt.Fprintf(&b, "MTIME=0\n")
	}
	fmt.Fprintf(&b, "PUUID=%s\n", puuidOrBlank(meta.PUUID))
	if version.SupportsCapacityBytes() {
		fmt.Fprintf(&b, "CAP=%d\n", meta.Capacity)
	} else {
		fmt.Fprintf(&b, "SIZE=%d\n", meta.Capacity/bytesPerBlock)
	}
	fmt.Fprintf(&b, "TYPE=%s\n", meta.Type)
	fmt.Fprintf(&b, "VOLTYPE=%s\n", meta.VolType)
	fmt.Fprintf(&b, "GEN=%d\n", gen)
	fmt.Fprintf(&b, "%s\n", eofMarker)

	out := []byte(b.String())
	if limit := sizeLimit(version); len(out) > limit {
		return nil, verrors.Newf(verrors.KindIntegrityViolation, "metadata.Serialize",
			"serialized record is %d bytes, exceeds the %d-byte metadata block limit", len(out), limit)
	}
	return out, nil
}

func puuidOrBlank(u types.UUID) types.UUID {
	if u.IsBlank() {
		return types.BlankUUID
	}
	return u
}

func sizeLimit(version types.DomainVersion) int {
	if version.SupportsCapacityBytes() {
		return types.MetadataSizeLimitV5
	}
	return types.MetadataSizeLimitV4
}

// RoundUpTo4K rounds bytes up to the next 4096-byte boundary, the
// capacity granularity enforced between a volume and its parent
// (spec §3 invariant 5).
func RoundUpTo4K(size uint64) uint64 {
	const block = 4096
	return (size + block - 1) / block * block
}

// NextGen bumps a generation counter with wraparound, delegating to
// the shared helper on pkg/types so callers working purely with
// types.VolumeMeta and callers going through this codec see the same
// wraparound behavior.
func NextGen(current int) int {
	return types.NextGen(current)
}
