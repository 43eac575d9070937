package clusterlock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/vstorage/pkg/types"
)

// fakeAdapter tracks lease state in memory so tests run without a
// sanlock daemon.
type fakeAdapter struct {
	mu          sync.Mutex
	initialized bool
	members     map[int]bool
	resources   map[string]types.LockMode
	data        map[string][]byte
	failAcquire bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		members:   make(map[int]bool),
		resources: make(map[string]types.LockMode),
		data:      make(map[string][]byte),
	}
}

func (f *fakeAdapter) InitLockspace(ctx context.Context, idsPath string, alignment types.Alignment, blockSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

func (f *fakeAdapter) Acquire(ctx context.Context, lockspace, idsPath string, hostID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAcquire {
		return errors.New("simulated acquire failure")
	}
	f.members[hostID] = true
	return nil
}

func (f *fakeAdapter) Release(ctx context.Context, lockspace string, hostID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, hostID)
	return nil
}

func (f *fakeAdapter) AcquireResourceLease(ctx context.Context, lockspace, name, path string, offset int64, mode types.LockMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[name] = mode
	return nil
}

func (f *fakeAdapter) ReleaseResourceLease(ctx context.Context, lockspace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resources, name)
	return nil
}

func (f *fakeAdapter) WriteResource(ctx context.Context, lockspace, name, path string, offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[name] = append([]byte(nil), data...)
	return nil
}

func (f *fakeAdapter) ReadResource(ctx context.Context, lockspace, name, path string, offset int64, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[name], nil
}

func TestInitDomainLockRejectsUnsupportedCombination(t *testing.T) {
	_, err := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align2M, 512, newFakeAdapter())
	if err == nil {
		t.Fatal("InitDomainLock() error = nil, want rejection of 512-byte blocks at 2M alignment")
	}
}

func TestInitDomainLockAcceptsSupportedCombination(t *testing.T) {
	dl, err := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align1M, 512, newFakeAdapter())
	if err != nil {
		t.Fatalf("InitDomainLock() error = %v", err)
	}
	if dl.MaxHosts() != 2000 {
		t.Errorf("MaxHosts() = %d, want 2000", dl.MaxHosts())
	}
}

func TestAcquireDomainLockRejectsOutOfRangeHostID(t *testing.T) {
	dl, _ := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align4M, 4096, newFakeAdapter())
	if err := dl.AcquireDomainLock(context.Background(), 0); err == nil {
		t.Error("AcquireDomainLock(0) error = nil, want rejection")
	}
	if err := dl.AcquireDomainLock(context.Background(), dl.MaxHosts()+1); err == nil {
		t.Error("AcquireDomainLock(maxHosts+1) error = nil, want rejection")
	}
}

func TestAcquireReleaseDomainLockRoundTrip(t *testing.T) {
	dl, _ := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align1M, 4096, newFakeAdapter())
	if dl.HasDomainLock() {
		t.Fatal("HasDomainLock() = true before any acquisition")
	}
	if err := dl.AcquireDomainLock(context.Background(), 1); err != nil {
		t.Fatalf("AcquireDomainLock() error = %v", err)
	}
	if !dl.HasDomainLock() {
		t.Error("HasDomainLock() = false after successful acquisition")
	}
	if err := dl.ReleaseDomainLock(context.Background()); err != nil {
		t.Fatalf("ReleaseDomainLock() error = %v", err)
	}
	if dl.HasDomainLock() {
		t.Error("HasDomainLock() = true after release")
	}
}

func TestAcquireDomainLockIsReentrantForSameHost(t *testing.T) {
	dl, _ := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align1M, 4096, newFakeAdapter())
	if err := dl.AcquireDomainLock(context.Background(), 3); err != nil {
		t.Fatalf("first AcquireDomainLock() error = %v", err)
	}
	if err := dl.AcquireDomainLock(context.Background(), 3); err != nil {
		t.Fatalf("reacquiring same host id error = %v, want nil", err)
	}
}

func TestAcquireDomainLockRejectsConflictingHost(t *testing.T) {
	dl, _ := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align1M, 4096, newFakeAdapter())
	if err := dl.AcquireDomainLock(context.Background(), 3); err != nil {
		t.Fatalf("AcquireDomainLock() error = %v", err)
	}
	if err := dl.AcquireDomainLock(context.Background(), 4); err == nil {
		t.Error("AcquireDomainLock() with a different host id while held error = nil, want conflict")
	}
}

func TestReleaseDomainLockWhenNotHeldIsNoop(t *testing.T) {
	dl, _ := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align1M, 4096, newFakeAdapter())
	if err := dl.ReleaseDomainLock(context.Background()); err != nil {
		t.Fatalf("ReleaseDomainLock() on unheld lock error = %v, want nil", err)
	}
}

func TestAcquireDomainLockSurfacesAdapterFailure(t *testing.T) {
	fake := newFakeAdapter()
	fake.failAcquire = true
	dl, _ := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align1M, 4096, fake)
	if err := dl.AcquireDomainLock(context.Background(), 1); err == nil {
		t.Error("AcquireDomainLock() error = nil, want propagated adapter failure")
	}
}

func TestResourceLeaseAcquireRelease(t *testing.T) {
	dl, _ := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align1M, 512, newFakeAdapter())
	h, err := dl.AcquireResource(context.Background(), "vol-1", 5, types.LockExclusive)
	if err != nil {
		t.Fatalf("AcquireResource() error = %v", err)
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestWriteThenReadResourceRoundTrips(t *testing.T) {
	dl, _ := InitDomainLock(context.Background(), types.NewUUID(), "/ids", "/leases", types.Align1M, 512, newFakeAdapter())
	payload := []byte("lease-bytes")
	if err := dl.WriteResource(context.Background(), "vol-1", 2, payload); err != nil {
		t.Fatalf("WriteResource() error = %v", err)
	}
	got, err := dl.ReadResource(context.Background(), "vol-1", 2, len(payload))
	if err != nil {
		t.Fatalf("ReadResource() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("ReadResource() = %q, want %q", got, payload)
	}
}
