package lvmcmd

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FilterVerdict is the outcome of comparing the filter lvm.conf
// currently embeds against the filter the engine computes it wants.
type FilterVerdict string

const (
	// FilterConfigure means the current filter is missing or
	// otherwise invalid and must be (re)written.
	FilterConfigure FilterVerdict = "CONFIGURE"
	// FilterRecommend means the current filter covers the right
	// devices but isn't in canonical form.
	FilterRecommend FilterVerdict = "RECOMMEND"
	// FilterUnneeded means the current filter already matches.
	FilterUnneeded FilterVerdict = "UNNEEDED"
)

// BuildFilter renders the canonical LVM device filter for the given
// multipath device paths: one anchored accept rule per path, in
// sorted order, always ending in a reject-all rule.
func BuildFilter(devicePaths []string) []string {
	paths := append([]string(nil), devicePaths...)
	sort.Strings(paths)
	filter := make([]string, 0, len(paths)+1)
	for _, p := range paths {
		filter = append(filter, fmt.Sprintf("a|^%s$|", p))
	}
	filter = append(filter, "r|.*|")
	return filter
}

// deviceSet extracts the set of device paths an accept rule in
// either canonical (a|^path$|) or loose (a|path|) form refers to.
func deviceSet(filter []string) map[string]bool {
	set := make(map[string]bool)
	for _, rule := range filter {
		if !strings.HasPrefix(rule, "a|") {
			continue
		}
		body := strings.TrimSuffix(strings.TrimPrefix(rule, "a|"), "|")
		body = strings.TrimPrefix(body, "^")
		body = strings.TrimSuffix(body, "$")
		set[body] = true
	}
	return set
}

// Analyze compares current (the filter embedded in the last-issued
// lvm.conf) against wanted (BuildFilter's output for the presently
// known device set) and reports whether lvm.conf needs a rewrite.
func Analyze(current, wanted []string) FilterVerdict {
	if len(current) == 0 {
		return FilterConfigure
	}
	if !strings.HasSuffix(current[len(current)-1], "r|.*|") {
		return FilterConfigure
	}

	currentDevices := deviceSet(current)
	wantedDevices := deviceSet(wanted)
	if len(currentDevices) != len(wantedDevices) {
		return FilterConfigure
	}
	for d := range wantedDevices {
		if !currentDevices[d] {
			return FilterConfigure
		}
	}

	currentJoined := strings.Join(current, ",")
	wantedJoined := strings.Join(wanted, ",")
	if currentJoined == wantedJoined {
		return FilterUnneeded
	}
	return FilterRecommend
}

// FilterCache tracks the multipath device set the engine currently
// knows about and renders it into the --config filter embedded in
// every lvm invocation.
type FilterCache struct {
	mu      sync.RWMutex
	devices map[string]bool
	current []string
}

// NewFilterCache creates an empty filter cache; Rebuild must be
// called at least once before Config produces a non-empty filter.
func NewFilterCache() *FilterCache {
	return &FilterCache{devices: make(map[string]bool)}
}

// Rebuild replaces the known device set and recomputes the filter.
func (c *FilterCache) Rebuild(devicePaths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = make(map[string]bool, len(devicePaths))
	for _, p := range devicePaths {
		c.devices[p] = true
	}
	c.current = BuildFilter(devicePaths)
}

// Filter returns the currently cached filter rule list.
func (c *FilterCache) Filter() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.current...)
}

// Config renders the filter as the lvm.conf fragment embedded in
// --config.
func (c *FilterCache) Config() string {
	filter := c.Filter()
	quoted := make([]string, len(filter))
	for i, rule := range filter {
		quoted[i] = fmt.Sprintf("%q", rule)
	}
	return fmt.Sprintf("devices { filter = [%s] }", strings.Join(quoted, ", "))
}
