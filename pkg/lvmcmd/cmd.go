// Package lvmcmd is the LVM command layer backing the block backend
// adapter: a process-wide cache that mediates every `lvm` invocation
// through a device filter, a bounded concurrency semaphore, and a
// read-only/read-write toggle that serializes locking_type changes
// against in-flight commands.
package lvmcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vstorage/internal/obslog"
	"github.com/cuemby/vstorage/pkg/metrics"
)

// benignStderrSubstrings lists documented-benign lvm warning
// fragments stripped before an error is raised, so a caller doesn't
// fail on a lock-type or metadata-archival notice that carries no
// actionable information.
var benignStderrSubstrings = []string{
	"Configuration setting",
	"WARNING: This metadata update is NOT backed up",
}

// Result is one command's outcome.
type Result struct {
	Stdout string
	Stderr string
}

// Cache mediates all `lvm` invocations for one process: it owns the
// device filter, the concurrency semaphore, the read-only/read-write
// mode, and the retry policy for each.
type Cache struct {
	binary          string
	filter          *FilterCache
	sem             chan struct{}
	readOnlyRetries int

	mu       sync.Mutex
	readOnly bool
	inFlight int
	drained  *sync.Cond

	// rescanDevices rebuilds the known multipath device list, used by
	// Cmd's stale-filter retry in read-write mode. Nil disables that
	// retry (Cmd then behaves as a single-attempt call in read-write
	// mode).
	rescanDevices func() ([]string, error)
}

// SetRescanFunc installs the callback Cmd uses to rebuild the device
// filter after a suspected stale-filter failure in read-write mode.
func (c *Cache) SetRescanFunc(fn func() ([]string, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rescanDevices = fn
}

// NewCache creates a command cache. maxCommands bounds concurrent
// `lvm` invocations; readOnlyRetries bounds retries of a command
// issued while the cache is in read-only mode.
func NewCache(binary string, maxCommands, readOnlyRetries int) *Cache {
	if binary == "" {
		binary = "lvm"
	}
	if maxCommands <= 0 {
		maxCommands = 10
	}
	c := &Cache{
		binary:          binary,
		filter:          NewFilterCache(),
		sem:             make(chan struct{}, maxCommands),
		readOnlyRetries: readOnlyRetries,
	}
	c.drained = sync.NewCond(&c.mu)
	return c
}

// Filter exposes the cache's device filter for callers that need to
// rebuild it from a fresh multipath scan.
func (c *Cache) Filter() *FilterCache { return c.filter }

// lockingType returns the lvm.conf locking_type value for the
// current mode: 1 for read-write (real flock-based locking), 4 for
// read-only (lock-free probing).
func (c *Cache) lockingType() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readOnly {
		return 4
	}
	return 1
}

// SetReadOnly toggles the cache's mode. It first drains in-flight
// commands (blocks until inFlight reaches zero) so no command
// straddles a locking_type change, then flips the mode for
// subsequent commands.
func (c *Cache) SetReadOnly(readOnly bool) {
	c.mu.Lock()
	for c.inFlight > 0 {
		c.drained.Wait()
	}
	c.readOnly = readOnly
	c.mu.Unlock()
}

func (c *Cache) beginCommand() {
	c.sem <- struct{}{}
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
}

func (c *Cache) endCommand() {
	c.mu.Lock()
	c.inFlight--
	if c.inFlight == 0 {
		c.drained.Broadcast()
	}
	c.mu.Unlock()
	<-c.sem
}

func stripBenignWarnings(stderr string) string {
	lines := strings.Split(stderr, "\n")
	var kept []string
	for _, line := range lines {
		benign := false
		for _, substr := range benignStderrSubstrings {
			if strings.Contains(line, substr) {
				benign = true
				break
			}
		}
		if !benign && strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func (c *Cache) exec(ctx context.Context, verb string, args ...string) (Result, error) {
	cfg := fmt.Sprintf("%s global { locking_type = %d }", c.filter.Config(), c.lockingType())
	argv := append([]string{verb, "--config", cfg}, args...)

	cmd := exec.CommandContext(ctx, c.binary, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stripBenignWarnings(stderr.String())}
	return res, err
}

// Cmd runs `lvm <verb> <args...>` with the current filter embedded,
// applying the retry policy: in read-only mode, up to
// readOnlyRetries attempts with a short delay; in read-write mode, a
// single stale-filter retry that rebuilds the filter (via
// SetRescanFunc's callback, if any) and reissues.
func (c *Cache) Cmd(ctx context.Context, verb string, args ...string) (Result, error) {
	c.mu.Lock()
	rebuildFilter := c.rescanDevices
	c.mu.Unlock()
	c.beginCommand()
	defer c.endCommand()

	timer := metrics.NewTimer()
	logger := obslog.WithComponent("lvmcmd")

	res, err := c.exec(ctx, verb, args...)
	if err == nil {
		metrics.LVMCommandsTotal.WithLabelValues(verb, "ok").Inc()
		timer.ObserveDurationVec(metrics.LVMCommandDuration, verb)
		return res, nil
	}

	c.mu.Lock()
	readOnly := c.readOnly
	c.mu.Unlock()

	if readOnly {
		for attempt := 1; attempt <= c.readOnlyRetries; attempt++ {
			time.Sleep(50 * time.Millisecond)
			logger.Debug().Str("verb", verb).Int("attempt", attempt).Msg("retrying read-only lvm command")
			res, err = c.exec(ctx, verb, args...)
			if err == nil {
				metrics.LVMCommandsTotal.WithLabelValues(verb, "ok").Inc()
				timer.ObserveDurationVec(metrics.LVMCommandDuration, verb)
				return res, nil
			}
		}
		metrics.LVMCommandsTotal.WithLabelValues(verb, "failed").Inc()
		logger.Error().Err(err).Str("verb", verb).Str("stderr", res.Stderr).Msg("lvm command failed after read-only retries")
		return res, fmt.Errorf("lvm %s: %w: %s", verb, err, res.Stderr)
	}

	if rebuildFilter != nil {
		devices, rerr := rebuildFilter()
		if rerr == nil {
			c.filter.Rebuild(devices)
			metrics.LVMFilterRebuildsTotal.Inc()
			logger.Warn().Str("verb", verb).Msg("stale filter suspected, rebuilt and retrying")
			res, err = c.exec(ctx, verb, args...)
			if err == nil {
				metrics.LVMCommandsTotal.WithLabelValues(verb, "ok").Inc()
				timer.ObserveDurationVec(metrics.LVMCommandDuration, verb)
				return res, nil
			}
		}
	}

	metrics.LVMCommandsTotal.WithLabelValues(verb, "failed").Inc()
	logger.Error().Err(err).Str("verb", verb).Str("stderr", res.Stderr).Msg("lvm command failed")
	return res, fmt.Errorf("lvm %s: %w: %s", verb, err, res.Stderr)
}
