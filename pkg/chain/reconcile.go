package chain

import (
	"context"
	"strings"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/domain"
	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// ReconcileVolumeChain is used after a live merge: it activates every
// volume of imgUUID, walks the on-disk qcow2 backing_file chain from
// leaf with qemu-img info, and repoints PUUID metadata so volumes no
// longer reachable from leaf are detached (spec §4.8.6).
func (e *Engine) ReconcileVolumeChain(t *task.Task, sdUUID, imgUUID, leaf types.UUID) (actual []types.UUID, err error) {
	timer := metrics.NewTimer()
	defer func() {
		observeOp("reconcile_volume_chain", err)
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	m, err := e.manifest(sdUUID)
	if err != nil {
		return nil, err
	}

	if err := m.ActivateVolumes(imgUUID); err != nil {
		return nil, err
	}

	leafMeta, err := m.GetMetadata(imgUUID, leaf)
	if err != nil {
		return nil, err
	}
	walkLeaf := leaf
	leafIllegal := leafMeta.Legality != types.LegalityLegal
	if leafIllegal {
		walkLeaf = leafMeta.PUUID
	}

	actual, err = e.walkBackingFileChain(m, imgUUID, walkLeaf)
	if err != nil {
		return nil, err
	}

	if err := e.syncVolumeChain(t, m, imgUUID, leaf, actual); err != nil {
		return nil, err
	}
	return actual, nil
}

// walkBackingFileChain follows the on-disk qcow2 backing_file pointer
// from startVol, identifying each step's volume UUID by matching the
// backing path against every volume's PayloadPath, parent-first.
func (e *Engine) walkBackingFileChain(m *domain.Manifest, imgUUID, startVol types.UUID) ([]types.UUID, error) {
	if startVol.IsBlank() {
		return nil, nil
	}

	pathToVol := make(map[string]types.UUID)
	vols, err := m.GetVolsOfImage(context.Background(), imgUUID)
	if err != nil {
		return nil, err
	}
	for _, v := range vols {
		pathToVol[m.PayloadPath(imgUUID, v)] = v
	}

	var reversed []types.UUID
	seen := make(map[types.UUID]bool)
	cur := startVol
	for !cur.IsBlank() {
		if seen[cur] {
			return nil, verrors.Newf(verrors.KindIntegrityViolation, "chain.ReconcileVolumeChain", "cycle detected walking on-disk chain at %s", cur)
		}
		seen[cur] = true
		reversed = append(reversed, cur)

		info, err := e.qemu.Info(context.Background(), m.PayloadPath(imgUUID, cur))
		if err != nil {
			return nil, err
		}
		if info.BackingFile == "" {
			break
		}
		next, ok := pathToVol[info.BackingFile]
		if !ok {
			next, ok = pathToVol[strings.TrimSpace(info.BackingFile)]
		}
		if !ok {
			break
		}
		cur = next
	}

	chain := make([]types.UUID, len(reversed))
	for i, v := range reversed {
		chain[len(reversed)-1-i] = v
	}
	return chain, nil
}

// syncVolumeChain repoints metadata so the domain's recorded PUUID
// links match the actual on-disk chain: any volume no longer in
// actual gets detached from its old child, and a removed leaf is
// marked ILLEGAL (spec §4.8.6 sync_volume_chain).
func (e *Engine) syncVolumeChain(t *task.Task, m *domain.Manifest, imgUUID, statedLeaf types.UUID, actual []types.UUID) error {
	inChain := make(map[types.UUID]bool, len(actual))
	for _, v := range actual {
		inChain[v] = true
	}

	for i, v := range actual {
		wantParent := types.BlankUUID
		if i > 0 {
			wantParent = actual[i-1]
		}
		meta, err := m.GetMetadata(imgUUID, v)
		if err != nil {
			return err
		}
		if meta.PUUID == wantParent {
			continue
		}
		vol, err := m.ProduceVolume(imgUUID, v)
		if err != nil {
			return err
		}
		if err := vol.SetParentMeta(t, wantParent); err != nil {
			return err
		}
		if err := vol.SetParentTag(wantParent); err != nil {
			return err
		}
		metrics.ReconciliationDriftTotal.WithLabelValues("parent").Inc()
	}

	if !inChain[statedLeaf] {
		vol, err := m.ProduceVolume(imgUUID, statedLeaf)
		if err != nil {
			return err
		}
		meta, err := vol.GetMetadata()
		if err != nil {
			return err
		}
		if meta.Legality != types.LegalityIllegal {
			meta.Legality = types.LegalityIllegal
			if err := vol.SetMetadata(t, meta); err != nil {
				return err
			}
			metrics.ReconciliationDriftTotal.WithLabelValues("legality").Inc()
		}
	}

	if len(actual) > 0 {
		if err := e.recheckIfLeaf(t, m.SDUUID(), imgUUID, actual[len(actual)-1]); err != nil {
			return err
		}
	}
	return nil
}
