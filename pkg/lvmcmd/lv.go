package lvmcmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// LV describes one logical volume as reported by `lvs`.
type LV struct {
	Name string
	Size int64 // bytes
	Attr LvAttr
	Tags []string
}

// VG wraps the LVM command layer with the block backend's
// volume-group-scoped operations. One VG corresponds to one storage
// domain (sdUUID == vgname).
type VG struct {
	name  string
	cache *Cache
}

// NewVG binds a VG-scoped wrapper to the named volume group.
func NewVG(name string, cache *Cache) *VG {
	return &VG{name: name, cache: cache}
}

// CreateVG creates a new volume group over the given physical
// volumes.
func (c *Cache) CreateVG(ctx context.Context, name string, pvPaths []string, extentSizeMB int) (*VG, error) {
	args := append([]string{"-s", fmt.Sprintf("%dm", extentSizeMB), name}, pvPaths...)
	if _, err := c.Cmd(ctx, "vgcreate", args...); err != nil {
		return nil, err
	}
	return NewVG(name, c), nil
}

// ExtendVG adds physical volumes to the group.
func (v *VG) ExtendVG(ctx context.Context, pvPaths ...string) error {
	args := append([]string{v.name}, pvPaths...)
	_, err := v.cache.Cmd(ctx, "vgextend", args...)
	return err
}

// ReduceVG removes physical volumes from the group.
func (v *VG) ReduceVG(ctx context.Context, pvPaths ...string) error {
	args := append([]string{v.name}, pvPaths...)
	_, err := v.cache.Cmd(ctx, "vgreduce", args...)
	return err
}

// CreateLV creates a new logical volume. sizeBytes is rounded by lvm
// itself to VG-extent granularity; the given tags are attached at
// creation. The block backend passes the IU_ and PU_ tags here; the
// MD_ slot tag is added afterwards by the metadata slot allocator.
func (v *VG) CreateLV(ctx context.Context, lvName string, sizeBytes int64, tags []string) error {
	args := []string{"-n", lvName, "-L", fmt.Sprintf("%db", sizeBytes), "-W", "y"}
	for _, t := range tags {
		args = append(args, "--addtag", t)
	}
	args = append(args, v.name)
	_, err := v.cache.Cmd(ctx, "lvcreate", args...)
	return err
}

// RemoveLV removes a logical volume. Per spec, callers rename to the
// _remove_me_ form and drop IU_* tags before calling this so a
// concurrent enumeration never observes a live-looking LV about to
// disappear.
func (v *VG) RemoveLV(ctx context.Context, lvName string) error {
	_, err := v.cache.Cmd(ctx, "lvremove", "-f", fmt.Sprintf("%s/%s", v.name, lvName))
	return err
}

// ExtendLV grows an LV to newSizeBytes.
func (v *VG) ExtendLV(ctx context.Context, lvName string, newSizeBytes int64) error {
	_, err := v.cache.Cmd(ctx, "lvextend", "-L", fmt.Sprintf("%db", newSizeBytes), fmt.Sprintf("%s/%s", v.name, lvName))
	return err
}

// ReduceLV shrinks an LV to newSizeBytes.
func (v *VG) ReduceLV(ctx context.Context, lvName string, newSizeBytes int64) error {
	_, err := v.cache.Cmd(ctx, "lvreduce", "-f", "-L", fmt.Sprintf("%db", newSizeBytes), fmt.Sprintf("%s/%s", v.name, lvName))
	return err
}

// RenameLV renames an LV within the group.
func (v *VG) RenameLV(ctx context.Context, oldName, newName string) error {
	_, err := v.cache.Cmd(ctx, "lvrename", v.name, oldName, newName)
	return err
}

// RefreshLVs reactivates the device-mapper table for the named LVs,
// picking up any out-of-band metadata change (e.g. after a snapshot
// merge another host performed).
func (v *VG) RefreshLVs(ctx context.Context, lvNames ...string) error {
	args := append([]string{}, lvNames...)
	_, err := v.cache.Cmd(ctx, "lvchange", append([]string{"--refresh"}, args...)...)
	return err
}

// ActivateLVs activates the named LVs exclusively on this host.
func (v *VG) ActivateLVs(ctx context.Context, lvNames ...string) error {
	for _, lv := range lvNames {
		if _, err := v.cache.Cmd(ctx, "lvchange", "-ay", fmt.Sprintf("%s/%s", v.name, lv)); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateLVs deactivates the named LVs.
func (v *VG) DeactivateLVs(ctx context.Context, lvNames ...string) error {
	for _, lv := range lvNames {
		if _, err := v.cache.Cmd(ctx, "lvchange", "-an", fmt.Sprintf("%s/%s", v.name, lv)); err != nil {
			return err
		}
	}
	return nil
}

// ChangeTags adds and removes tags on an LV in one call.
func (v *VG) ChangeTags(ctx context.Context, lvName string, add, del []string) error {
	args := []string{}
	for _, t := range add {
		args = append(args, "--addtag", t)
	}
	for _, t := range del {
		args = append(args, "--deltag", t)
	}
	args = append(args, fmt.Sprintf("%s/%s", v.name, lvName))
	_, err := v.cache.Cmd(ctx, "lvchange", args...)
	return err
}

// ListLVs enumerates every LV in the group with its size, attributes
// and tags, used by the metadata slot allocator and get_chain's
// IU_-tag enumeration.
func (v *VG) ListLVs(ctx context.Context) ([]LV, error) {
	res, err := v.cache.Cmd(ctx, "lvs",
		"--noheadings", "--separator", "|",
		"-o", "lv_name,lv_size,lv_attr,lv_tags",
		"--units", "b", "--nosuffix",
		v.name,
	)
	if err != nil {
		return nil, err
	}

	var lvs []LV
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected lvs output line: %q", line)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse lv_size %q: %w", fields[1], err)
		}
		attr, err := ParsedLvAttr(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, err
		}
		var tags []string
		if t := strings.TrimSpace(fields[3]); t != "" {
			tags = strings.Split(t, ",")
		}
		lvs = append(lvs, LV{
			Name: strings.TrimSpace(fields[0]),
			Size: size,
			Attr: attr,
			Tags: tags,
		})
	}
	return lvs, nil
}
