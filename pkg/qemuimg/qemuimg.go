// Package qemuimg wraps the qemu-img(1) command surface the chain
// engine depends on: create, convert, measure, info and rebase, each
// with the fixed flag semantics the engine relies on (spec §6
// "Adapter command surface").
package qemuimg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/types"
)

// Preallocation selects qemu-img's preallocation mode.
type Preallocation string

const (
	PreallocationOff      Preallocation = "off"
	PreallocationMetadata Preallocation = "metadata"
	PreallocationFalloc   Preallocation = "falloc"
)

// Compat selects the qcow2 on-disk format compatibility level.
type Compat string

const (
	Compat010 Compat = "0.10"
	Compat11  Compat = "1.1"
)

// formatOf maps the engine's volume format enum to a qemu-img -f
// value.
func formatOf(f types.VolumeFormat) string {
	switch f {
	case types.FormatCow:
		return "qcow2"
	default:
		return "raw"
	}
}

// Runner shells out to a qemu-img binary. The zero value runs
// "qemu-img" from $PATH.
type Runner struct {
	Binary string
}

// NewRunner returns a Runner invoking binary, or "qemu-img" if empty.
func NewRunner(binary string) *Runner {
	if binary == "" {
		binary = "qemu-img"
	}
	return &Runner{Binary: binary}
}

func (r *Runner) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, verrors.Newf(verrors.KindBackendIO, "qemuimg.run", "%s %v: %v: %s", r.Binary, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// CreateOptions parametrizes Create.
type CreateOptions struct {
	Format        types.VolumeFormat
	SizeBytes     int64
	Backing       string // absolute path to the parent volume, empty for a base volume
	BackingFormat types.VolumeFormat
	Preallocation Preallocation
	Compat        Compat // qcow2 only
}

// Create runs `qemu-img create`, optionally with a backing file, the
// mechanism behind spec §4.6 createVolume step 3 ("for COW with
// parent, clone from parent").
func (r *Runner) Create(ctx context.Context, path string, opt CreateOptions) error {
	args := []string{"create", "-f", formatOf(opt.Format)}
	if opt.Backing != "" {
		args = append(args, "-b", opt.Backing, "-F", formatOf(opt.BackingFormat))
	}
	if opt.Preallocation != "" {
		args = append(args, "-o", "preallocation="+string(opt.Preallocation))
	}
	if opt.Format == types.FormatCow && opt.Compat != "" {
		args = append(args, "-o", "compat="+string(opt.Compat))
	}
	args = append(args, path, strconv.FormatInt(opt.SizeBytes, 10))
	_, err := r.run(ctx, args...)
	return err
}

// ConvertOptions parametrizes Convert.
type ConvertOptions struct {
	SrcFormat, DstFormat types.VolumeFormat
	Backing              string
	BackingFormat        types.VolumeFormat
	Preallocation        Preallocation
	UnorderedWrites      bool
}

// Convert runs `qemu-img convert`, the per-volume copy step of
// spec §4.8.3 (_inter_images_copy).
func (r *Runner) Convert(ctx context.Context, src, dst string, opt ConvertOptions) error {
	args := []string{"convert", "-f", formatOf(opt.SrcFormat), "-O", formatOf(opt.DstFormat)}
	if opt.UnorderedWrites {
		args = append(args, "-W")
	}
	if opt.Backing != "" {
		args = append(args, "-B", opt.Backing, "-F", formatOf(opt.BackingFormat))
	}
	if opt.Preallocation != "" {
		args = append(args, "-o", "preallocation="+string(opt.Preallocation))
	}
	args = append(args, src, dst)
	_, err := r.run(ctx, args...)
	return err
}

// Measure returns the 512-block count qemu-img estimates the
// destination would need for srcPath converted to dstFormat (spec
// §4.8.2 estimate_qcow2_size).
func (r *Runner) Measure(ctx context.Context, srcPath string, dstFormat types.VolumeFormat) (blocks512 uint64, err error) {
	out, err := r.run(ctx, "measure", "-f", "raw", "-O", formatOf(dstFormat), "--output=json", srcPath)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Required uint64 `json:"required"`
	}
	if jerr := json.Unmarshal(out, &parsed); jerr != nil {
		return 0, verrors.New(verrors.KindBackendIO, "qemuimg.Measure", jerr)
	}
	return (parsed.Required + 511) / 512, nil
}

// Info is the subset of `qemu-img info --output=json` the engine
// reads back.
type Info struct {
	Format         string `json:"format"`
	VirtualSizeB   int64  `json:"virtual-size"`
	ActualSizeB    int64  `json:"actual-size"`
	BackingFile    string `json:"backing-filename"`
	BackingFormat  string `json:"backing-filename-format"`
	DirtyFlag      bool   `json:"dirty-flag"`
}

// Info runs `qemu-img info` and decodes its JSON output, used by
// chain discovery/reconciliation to walk the qcow2 backing_file chain
// (spec §4.8.1, §4.8.6).
func (r *Runner) Info(ctx context.Context, path string) (Info, error) {
	out, err := r.run(ctx, "info", "--output=json", path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if jerr := json.Unmarshal(out, &info); jerr != nil {
		return Info{}, verrors.New(verrors.KindBackendIO, "qemuimg.Info", jerr)
	}
	return info, nil
}

// RebaseOptions parametrizes Rebase.
type RebaseOptions struct {
	Backing       string // new backing file path, "" to detach
	BackingFormat types.VolumeFormat
	Unsafe        bool // skip reading data from the old backing chain
}

// Rebase runs `qemu-img rebase`, used by merge (spec §4.8.5) to
// re-point a volume's backing file, either safely (re-reads data so
// the result is self-consistent) or unsafe (metadata-only: rewrites
// the backing pointer, or detaches it when Backing is empty, without
// reading any data).
func (r *Runner) Rebase(ctx context.Context, path string, opt RebaseOptions) error {
	args := []string{"rebase"}
	if opt.Unsafe {
		args = append(args, "-u")
	}
	args = append(args, "-b", opt.Backing)
	if opt.Backing != "" && opt.BackingFormat != "" {
		args = append(args, "-F", formatOf(opt.BackingFormat))
	}
	args = append(args, path)
	_, err := r.run(ctx, args...)
	return err
}

// ErrBinaryNotFound is returned by Check when the configured binary
// cannot be resolved on $PATH.
var ErrBinaryNotFound = fmt.Errorf("qemu-img binary not found")

// Check verifies the configured binary is resolvable, for early
// startup diagnostics rather than failing on the first volume
// operation.
func (r *Runner) Check() error {
	if _, err := exec.LookPath(r.Binary); err != nil {
		return ErrBinaryNotFound
	}
	return nil
}
