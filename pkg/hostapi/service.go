package hostapi

import (
	"context"

	"github.com/cuemby/vstorage/internal/obslog"
	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/chain"
	"github.com/cuemby/vstorage/pkg/domain"
	"github.com/cuemby/vstorage/pkg/journal"
	"github.com/cuemby/vstorage/pkg/resource"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
	"github.com/cuemby/vstorage/pkg/volume"
)

// Service is the Host Service API: the single entry point a host
// agent process calls into, composing pkg/domain and pkg/chain under
// the Task/resource-graph/lease discipline spec §4.9 describes.
type Service struct {
	engine    *chain.Engine
	resources *resource.Manager
	journal   *journal.Journal
	domains   map[types.UUID]*domain.Manifest
}

// NewService binds a Service to engine and resources. resources
// should be the same *resource.Manager passed to chain.NewEngine, so
// image locks taken here and inside the engine serialize against each
// other rather than racing past two independent lock tables. journal
// may be nil for a process that accepts in-memory-only recovery
// tracking.
func NewService(engine *chain.Engine, resources *resource.Manager, j *journal.Journal) *Service {
	return &Service{
		engine:    engine,
		resources: resources,
		journal:   j,
		domains:   make(map[types.UUID]*domain.Manifest),
	}
}

// RegisterDomain makes m available to the operations this Service
// drives directly against pkg/domain (CreateVolume, DeleteImage, and
// friends) rather than through the chain engine.
func (s *Service) RegisterDomain(sdUUID types.UUID, m *domain.Manifest) {
	s.domains[sdUUID] = m
}

func (s *Service) manifest(sdUUID types.UUID) (*domain.Manifest, error) {
	m, ok := s.domains[sdUUID]
	if !ok {
		return nil, verrors.Newf(verrors.KindMissingObject, "hostapi.Service", "no domain registered for %s", sdUUID)
	}
	return m, nil
}

func (s *Service) newTask() *task.Task {
	return task.New(types.NewUUID(), s.journal)
}

// imageGraph acquires imgUUID EXCLUSIVE, plus templateImg SHARED when
// it names a different image (the template a new volume is cloned
// from), releasing both in reverse acquisition order.
type imageGraph struct {
	handles []*resource.Handle
}

func (s *Service) acquireImageGraph(t *task.Task, imgUUID, templateImg types.UUID) (*imageGraph, error) {
	g := &imageGraph{}
	if !templateImg.IsBlank() && templateImg != imgUUID {
		h, err := s.resources.AcquireResource(string(t.ID()), types.NamespaceImage, string(templateImg), types.LockShared)
		if err != nil {
			return nil, err
		}
		g.handles = append(g.handles, h)
	}
	h, err := s.resources.AcquireResource(string(t.ID()), types.NamespaceImage, string(imgUUID), types.LockExclusive)
	if err != nil {
		g.release()
		return nil, err
	}
	g.handles = append(g.handles, h)
	return g, nil
}

func (g *imageGraph) release() {
	var report verrors.CleanupReport
	for i := len(g.handles) - 1; i >= 0; i-- {
		report.Add(g.handles[i].Release())
	}
	if err := report.Err(); err != nil {
		obslog.WithComponent("hostapi").Warn().Err(err).Msg("failed to release resource handle")
	}
}

// CreateVolume acquires the image (and, for a cross-image clone, the
// source template) then runs domain.Manifest.CreateVolume under a
// fresh Task, so a mid-creation failure unwinds every step pushed
// onto the recovery stack.
func (s *Service) CreateVolume(sdUUID types.UUID, p domain.CreateVolumeParams) (vol *volume.Volume, err error) {
	m, err := s.manifest(sdUUID)
	if err != nil {
		return nil, err
	}
	t := s.newTask()

	templateImg := p.SrcImgUUID
	if templateImg.IsBlank() {
		templateImg = p.ImgUUID
	}
	graph, err := s.acquireImageGraph(t, p.ImgUUID, templateImg)
	if err != nil {
		return nil, err
	}
	defer graph.release()

	err = t.Run(func(t *task.Task) error {
		v, cerr := m.CreateVolume(t, p)
		if cerr != nil {
			return cerr
		}
		vol = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vol, nil
}

// DeleteImage acquires imgUUID EXCLUSIVE and runs
// domain.Manifest.DeleteImage under a fresh Task.
func (s *Service) DeleteImage(sdUUID, imgUUID types.UUID, postZero, discard bool) error {
	m, err := s.manifest(sdUUID)
	if err != nil {
		return err
	}
	t := s.newTask()
	graph, err := s.acquireImageGraph(t, imgUUID, types.BlankUUID)
	if err != nil {
		return err
	}
	defer graph.release()

	return t.Run(func(t *task.Task) error {
		return m.DeleteImage(t, imgUUID, postZero, discard)
	})
}

// PrepareVolume activates volUUID (recursing up its COW chain when
// chainRW is set) and, on a domain that carries cluster leases, holds
// the volume's lease for the duration of the call before releasing
// it — confirming the lease is obtainable rather than leaving the
// caller to discover a stale lease only once it tries to use the
// volume.
func (s *Service) PrepareVolume(sdUUID, imgUUID, volUUID types.UUID, rw, chainRW bool) error {
	m, err := s.manifest(sdUUID)
	if err != nil {
		return err
	}
	t := s.newTask()
	graph, err := s.acquireImageGraph(t, imgUUID, types.BlankUUID)
	if err != nil {
		return err
	}
	defer graph.release()

	return t.Run(func(t *task.Task) error {
		mode := types.LockShared
		if rw {
			mode = types.LockExclusive
		}
		lease, lerr := m.AcquireVolumeLease(context.Background(), volUUID, mode)
		if lerr != nil {
			return lerr
		}
		if lease != nil {
			defer lease.Release(context.Background())
		}

		vol, verr := m.ProduceVolume(imgUUID, volUUID)
		if verr != nil {
			return verr
		}
		return vol.Prepare(t, rw, chainRW, rw)
	})
}

// Snapshot runs chain.Engine.Snapshot under a fresh Task so a
// mid-operation failure unwinds; the engine itself owns the image
// lock for the duration of the call.
func (s *Service) Snapshot(p chain.SnapshotParams) (vol *volume.Volume, err error) {
	t := s.newTask()
	err = t.Run(func(t *task.Task) error {
		v, serr := s.engine.Snapshot(t, p)
		if serr != nil {
			return serr
		}
		vol = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vol, nil
}

// Merge runs chain.Engine.Merge under a fresh Task.
func (s *Service) Merge(p chain.MergeParams) error {
	t := s.newTask()
	return t.Run(func(t *task.Task) error {
		return s.engine.Merge(t, p)
	})
}

// Move runs chain.Engine.Move under a fresh Task.
func (s *Service) Move(p chain.MoveParams) error {
	t := s.newTask()
	return t.Run(func(t *task.Task) error {
		return s.engine.Move(t, p)
	})
}

// Sparsify runs chain.Engine.Sparsify under a fresh Task.
func (s *Service) Sparsify(p chain.SparsifyParams) error {
	t := s.newTask()
	return t.Run(func(t *task.Task) error {
		return s.engine.Sparsify(t, p)
	})
}

// ReconcileVolumeChain runs chain.Engine.ReconcileVolumeChain under a
// fresh Task.
func (s *Service) ReconcileVolumeChain(sdUUID, imgUUID, leaf types.UUID) ([]types.UUID, error) {
	t := s.newTask()
	var actual []types.UUID
	err := t.Run(func(t *task.Task) error {
		a, rerr := s.engine.ReconcileVolumeChain(t, sdUUID, imgUUID, leaf)
		if rerr != nil {
			return rerr
		}
		actual = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actual, nil
}

// GetChain and the size-estimation queries are read-only: no Task or
// resource graph is needed, since they only read metadata already
// protected by whatever write operation produced it.

// GetChain returns imgUUID's parent-first volume chain on sdUUID.
func (s *Service) GetChain(sdUUID, imgUUID, volUUID types.UUID) ([]types.UUID, error) {
	return s.engine.GetChain(sdUUID, imgUUID, volUUID)
}

// EstimateQcow2Size estimates the 512-block count a converted volume
// would need on its destination domain.
func (s *Service) EstimateQcow2Size(srcSdUUID, srcImgUUID, srcVolUUID types.UUID, dstFormat types.VolumeFormat, maxBlocks512 uint64) (uint64, error) {
	return s.engine.EstimateQcow2Size(srcSdUUID, srcImgUUID, srcVolUUID, dstFormat, maxBlocks512)
}

// EstimateChainSize estimates the 512-block count a chain's actual
// content occupies, with its COW safety margin applied.
func (s *Service) EstimateChainSize(sdUUID, imgUUID, volUUID types.UUID, capBlk uint64) (uint64, error) {
	return s.engine.EstimateChainSize(sdUUID, imgUUID, volUUID, capBlk)
}
