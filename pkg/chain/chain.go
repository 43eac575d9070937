package chain

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/vstorage/internal/obslog"
	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/domain"
	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/resource"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// volumeUtilizationChunkBytes mirrors pkg/volume's own chunk constant
// (spec §4.7 optimal_size, §4.8.2 estimate_qcow2_size); kept as a
// separate constant here since pkg/volume does not export its copy.
const volumeUtilizationChunkBytes = 1 << 30 // 1 GiB

// cowOverhead is the safety multiplier estimate_chain_size applies to
// the summed actual size of a chain (spec §4.8.2).
const cowOverhead = 1.1

// Engine drives every Image/Chain Engine operation across one or more
// registered storage domains.
type Engine struct {
	resources *resource.Manager
	qemu      *qemuimg.Runner
	log       zerolog.Logger

	domains map[types.UUID]*domain.Manifest
}

// NewEngine returns an Engine with no domains registered yet.
func NewEngine(resources *resource.Manager, qemu *qemuimg.Runner) *Engine {
	return &Engine{
		resources: resources,
		qemu:      qemu,
		log:       obslog.WithComponent("chain"),
		domains:   make(map[types.UUID]*domain.Manifest),
	}
}

// RegisterDomain makes m available to chain operations under its own
// sdUUID. Safe to call again with a fresh manifest to replace one
// registered earlier (e.g. after a storage domain is reattached).
func (e *Engine) RegisterDomain(sdUUID types.UUID, m *domain.Manifest) {
	e.domains[sdUUID] = m
}

func (e *Engine) manifest(sdUUID types.UUID) (*domain.Manifest, error) {
	m, ok := e.domains[sdUUID]
	if !ok {
		return nil, verrors.Newf(verrors.KindMissingObject, "chain.Engine", "no domain registered for %s", sdUUID)
	}
	return m, nil
}

func (e *Engine) lockImage(t *task.Task, imgUUID types.UUID, mode types.LockMode) (*resource.Handle, error) {
	return e.resources.AcquireResource(string(t.ID()), types.NamespaceImage, string(imgUUID), mode)
}

// GetChain returns the parent-first ordered volume chain of imgUUID
// on sdUUID, starting from volUUID if given, or from the image's LEAF
// volume otherwise (spec §4.8.1). A SHARED volume (a template) ends
// the walk without being included, since templates are not part of
// the image's own chain.
func (e *Engine) GetChain(sdUUID, imgUUID, volUUID types.UUID) ([]types.UUID, error) {
	m, err := e.manifest(sdUUID)
	if err != nil {
		return nil, err
	}

	leaf := volUUID
	if leaf.IsBlank() {
		ctx := context.Background()
		vols, err := m.GetVolsOfImage(ctx, imgUUID)
		if err != nil {
			return nil, err
		}
		found := false
		for _, v := range vols {
			meta, err := m.GetMetadata(imgUUID, v)
			if err != nil {
				return nil, err
			}
			if meta.VolType == types.RoleLeaf {
				leaf = v
				found = true
				break
			}
		}
		if !found {
			return nil, verrors.Newf(verrors.KindIntegrityViolation, "chain.GetChain", "image %s has no LEAF volume", imgUUID)
		}
	}

	var reversed []types.UUID
	seen := make(map[types.UUID]bool)
	cur := leaf
	curImg := imgUUID
	ctx := context.Background()
	for !cur.IsBlank() {
		if seen[cur] {
			return nil, verrors.Newf(verrors.KindIntegrityViolation, "chain.GetChain", "cycle detected in chain of image %s at volume %s", imgUUID, cur)
		}
		seen[cur] = true

		// cur's own image is usually imgUUID; once the walk crosses
		// into a shared template's base volume, it may belong to a
		// different image entirely, so its owning image is resolved
		// rather than assumed (spec §3 shared-template data model).
		ownerImg, err := m.FindVolumeImage(ctx, curImg, cur)
		if err != nil {
			return nil, err
		}
		meta, err := m.GetMetadata(ownerImg, cur)
		if err != nil {
			return nil, err
		}
		if meta.VolType == types.RoleShared {
			break
		}
		reversed = append(reversed, cur)
		cur = meta.PUUID
		curImg = ownerImg
	}

	chain := make([]types.UUID, len(reversed))
	for i, v := range reversed {
		chain[len(reversed)-1-i] = v
	}
	return chain, nil
}

// markIllegalSubChain marks every volume in subChain ILLEGAL, used
// ahead of removal so a concurrent reader never resolves a volume
// that is about to disappear (spec §4.8.5 step (b)).
func (e *Engine) markIllegalSubChain(t *task.Task, sdUUID, imgUUID types.UUID, subChain []types.UUID) error {
	m, err := e.manifest(sdUUID)
	if err != nil {
		return err
	}
	var report verrors.CleanupReport
	for _, volUUID := range subChain {
		vol, err := m.ProduceVolume(imgUUID, volUUID)
		if err != nil {
			report.Add(err)
			continue
		}
		meta, err := vol.GetMetadata()
		if err != nil {
			report.Add(err)
			continue
		}
		meta.Legality = types.LegalityIllegal
		report.Add(vol.SetMetadata(t, meta))
	}
	return report.Err()
}

// removeSubChain deletes every volume in subChain, continuing past
// individual failures so one stuck volume does not block the rest
// (spec §4.8.5 step (c)).
func (e *Engine) removeSubChain(t *task.Task, sdUUID, imgUUID types.UUID, subChain []types.UUID, discard bool) error {
	m, err := e.manifest(sdUUID)
	if err != nil {
		return err
	}
	var report verrors.CleanupReport
	for _, volUUID := range subChain {
		vol, err := m.ProduceVolume(imgUUID, volUUID)
		if err != nil {
			report.Add(err)
			continue
		}
		report.Add(vol.Delete(t, discard))
	}
	return report.Err()
}

// recheckIfLeaf promotes volUUID to LEAF when it has no children left
// in imgUUID's chain, used after a merge or relink removes whichever
// volume used to hold that role (spec §4.7 delete contract, §4.8.5
// base-RAW merge step 5).
func (e *Engine) recheckIfLeaf(t *task.Task, sdUUID, imgUUID, volUUID types.UUID) error {
	m, err := e.manifest(sdUUID)
	if err != nil {
		return err
	}
	ctx := context.Background()
	vols, err := m.GetVolsOfImage(ctx, imgUUID)
	if err != nil {
		return err
	}
	for _, v := range vols {
		if v == volUUID {
			continue
		}
		meta, err := m.GetMetadata(imgUUID, v)
		if err != nil {
			return err
		}
		if meta.PUUID == volUUID {
			return nil // still has a child, not a leaf
		}
	}

	vol, err := m.ProduceVolume(imgUUID, volUUID)
	if err != nil {
		return err
	}
	meta, err := vol.GetMetadata()
	if err != nil {
		return err
	}
	if meta.VolType == types.RoleLeaf {
		return nil
	}
	meta.VolType = types.RoleLeaf
	return vol.SetMetadata(t, meta)
}

func observeOp(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ChainOperationsTotal.WithLabelValues(op, outcome).Inc()
}
