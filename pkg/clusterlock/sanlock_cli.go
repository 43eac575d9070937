package clusterlock

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/cuemby/vstorage/internal/obslog"
	"github.com/cuemby/vstorage/pkg/types"
)

// CLIAdapter drives the sanlock(8) command-line client, the same way
// the engine drives qemu-img and lvm: spawn, wait, classify the exit
// status. The sanlock daemon itself is assumed to already be running
// and is never started or stopped here.
type CLIAdapter struct {
	binary string
}

// NewCLIAdapter returns an Adapter that shells out to the given
// sanlock binary (normally just "sanlock", resolved via PATH).
func NewCLIAdapter(binary string) *CLIAdapter {
	if binary == "" {
		binary = "sanlock"
	}
	return &CLIAdapter{binary: binary}
}

func (a *CLIAdapter) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	log := obslog.WithComponent("clusterlock.cli")
	if err != nil {
		log.Error().Err(err).Strs("args", args).Str("stderr", stderr.String()).Msg("sanlock command failed")
		return nil, fmt.Errorf("sanlock %v: %w: %s", args, err, stderr.String())
	}
	log.Debug().Strs("args", args).Msg("sanlock command completed")
	return stdout.Bytes(), nil
}

// InitLockspace formats idsPath via `sanlock direct init`.
func (a *CLIAdapter) InitLockspace(ctx context.Context, idsPath string, alignment types.Alignment, blockSize int) error {
	_, err := a.run(ctx, "direct", "init",
		"-s", fmt.Sprintf("lockspace:0:%s:0", idsPath),
		"-o", strconv.FormatInt(int64(alignment), 10),
		"-z", strconv.Itoa(blockSize),
	)
	return err
}

// Acquire joins the lockspace as hostID via `sanlock client add_lockspace`.
func (a *CLIAdapter) Acquire(ctx context.Context, lockspace, idsPath string, hostID int) error {
	_, err := a.run(ctx, "client", "add_lockspace",
		"-s", fmt.Sprintf("%s:%d:%s:0", lockspace, hostID, idsPath),
	)
	return err
}

// Release leaves the lockspace via `sanlock client rem_lockspace`.
func (a *CLIAdapter) Release(ctx context.Context, lockspace string, hostID int) error {
	_, err := a.run(ctx, "client", "rem_lockspace",
		"-s", fmt.Sprintf("%s:%d", lockspace, hostID),
	)
	return err
}

// AcquireResourceLease acquires a named resource lease via
// `sanlock client acquire`.
func (a *CLIAdapter) AcquireResourceLease(ctx context.Context, lockspace, name, path string, offset int64, mode types.LockMode) error {
	args := []string{"client", "acquire",
		"-r", fmt.Sprintf("%s:%s:%s:%d", lockspace, name, path, offset),
	}
	if mode == types.LockShared {
		args = append(args, "-S")
	}
	_, err := a.run(ctx, args...)
	return err
}

// ReleaseResourceLease releases a resource lease via
// `sanlock client release`.
func (a *CLIAdapter) ReleaseResourceLease(ctx context.Context, lockspace, name string) error {
	_, err := a.run(ctx, "client", "release", "-r", fmt.Sprintf("%s:%s", lockspace, name))
	return err
}

// WriteResource writes raw bytes into a resource's lease area with a
// plain positional file write at the given offset, bypassing the
// daemon; the file is not opened with O_DIRECT.
func (a *CLIAdapter) WriteResource(ctx context.Context, lockspace, name, path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s for resource write: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write resource %s/%s at %d: %w", lockspace, name, offset, err)
	}
	return nil
}

// ReadResource reads raw bytes from a resource's lease area.
func (a *CLIAdapter) ReadResource(ctx context.Context, lockspace, name, path string, offset int64, size int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s for resource read: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read resource %s/%s at %d: %w", lockspace, name, offset, err)
	}
	return buf, nil
}
