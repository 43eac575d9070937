package chain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/domain"
	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// MergeParams is Merge's input (spec §4.8.5). PostZero is not acted
// on: the volumes a merge removes are deleted without zero-filling.
type MergeParams struct {
	SdUUID     types.UUID
	ImgUUID    types.UUID
	Ancestor   types.UUID
	Successor  types.UUID
	PostZero   bool
	Discard    bool
}

// Merge collapses the subchain ancestor→...→successor into successor,
// choosing among the internal, base-COW and base-RAW variants
// depending on ancestor's position and format (spec §4.8.5).
func (e *Engine) Merge(t *task.Task, p MergeParams) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		observeOp("merge", err)
		timer.ObserveDurationVec(metrics.ChainOperationDuration, "merge")
	}()

	m, err := e.manifest(p.SdUUID)
	if err != nil {
		return err
	}

	handle, err := e.lockImage(t, p.ImgUUID, types.LockExclusive)
	if err != nil {
		return err
	}
	defer handle.Release()

	fullChain, err := e.GetChain(p.SdUUID, p.ImgUUID, p.Successor)
	if err != nil {
		return err
	}
	subChain, err := subChainBetween(fullChain, p.Ancestor, p.Successor)
	if err != nil {
		return err
	}

	ancestorMeta, err := m.GetMetadata(p.ImgUUID, p.Ancestor)
	if err != nil {
		return err
	}

	var newLeaf types.UUID
	var toRemove []types.UUID

	switch {
	case !ancestorMeta.PUUID.IsBlank():
		newLeaf, toRemove, err = e.mergeInternal(t, m, p, subChain, ancestorMeta)
	case ancestorMeta.Format == types.FormatCow:
		newLeaf, toRemove, err = e.mergeBaseCow(t, m, p, subChain, ancestorMeta)
	default:
		newLeaf, toRemove, err = e.mergeBaseRaw(t, m, p, subChain, ancestorMeta)
	}
	if err != nil {
		return err
	}

	// (a) commit point: the block-level operation above succeeded, so
	// its own rollback recoveries no longer apply.
	t.ClearRecoveries()
	if err := e.markIllegalSubChain(t, p.SdUUID, p.ImgUUID, toRemove); err != nil {
		return err
	}
	if err := e.removeSubChain(t, p.SdUUID, p.ImgUUID, toRemove, p.Discard); err != nil {
		return err
	}

	if m.Kind() == types.BackendBlock && newLeaf != types.BlankUUID {
		if err := e.shrinkToOptimalSize(t, m, p.ImgUUID, newLeaf); err != nil {
			return err
		}
	}
	return nil
}

// subChainBetween returns the contiguous run of chain from ancestor
// through successor (inclusive), parent-first.
func subChainBetween(chain []types.UUID, ancestor, successor types.UUID) ([]types.UUID, error) {
	startIdx, endIdx := -1, -1
	for i, v := range chain {
		if v == ancestor {
			startIdx = i
		}
		if v == successor {
			endIdx = i
		}
	}
	if startIdx == -1 || endIdx == -1 || startIdx > endIdx {
		return nil, verrors.Newf(verrors.KindInvalidParameter, "chain.Merge", "ancestor/successor are not on the same chain")
	}
	return chain[startIdx : endIdx+1], nil
}

// mergeInternal handles the case where ancestor itself has a parent:
// successor is extended and rebased directly onto ancestor's parent,
// dropping every intermediate volume (spec §4.8.5 "Internal merge").
func (e *Engine) mergeInternal(t *task.Task, m *domain.Manifest, p MergeParams, subChain []types.UUID, ancestorMeta types.VolumeMeta) (types.UUID, []types.UUID, error) {
	successorVol, err := m.ProduceVolume(p.ImgUUID, p.Successor)
	if err != nil {
		return types.BlankUUID, nil, err
	}

	var accSize uint64
	for _, v := range subChain {
		sz, err := m.ApparentSize(p.ImgUUID, v)
		if err != nil {
			return types.BlankUUID, nil, err
		}
		accSize += uint64(sz)
	}
	if err := successorVol.Extend(t, (accSize+511)/512); err != nil {
		return types.BlankUUID, nil, err
	}

	if err := successorVol.Prepare(t, true, true, true); err != nil {
		return types.BlankUUID, nil, err
	}

	newParentPath := m.PayloadPath(p.ImgUUID, ancestorMeta.PUUID)
	parentMeta, err := m.GetMetadata(p.ImgUUID, ancestorMeta.PUUID)
	if err != nil {
		return types.BlankUUID, nil, err
	}
	successorMeta, err := m.GetMetadata(p.ImgUUID, p.Successor)
	if err != nil {
		return types.BlankUUID, nil, err
	}
	oldParentMeta, err := m.GetMetadata(p.ImgUUID, successorMeta.PUUID)
	if err != nil {
		return types.BlankUUID, nil, err
	}
	t.PushRecovery("chain.mergeInternal.rebaseRollback", map[string]string{"vol": string(p.Successor)}, func() error {
		return e.qemu.Rebase(context.Background(), m.PayloadPath(p.ImgUUID, p.Successor), qemuimg.RebaseOptions{
			Backing:       m.PayloadPath(p.ImgUUID, successorMeta.PUUID),
			BackingFormat: oldParentMeta.Format,
			Unsafe:        true,
		})
	})
	if err := e.qemu.Rebase(context.Background(), m.PayloadPath(p.ImgUUID, p.Successor), qemuimg.RebaseOptions{
		Backing:       newParentPath,
		BackingFormat: parentMeta.Format,
	}); err != nil {
		return types.BlankUUID, nil, err
	}

	if err := successorVol.SetParentMeta(t, ancestorMeta.PUUID); err != nil {
		return types.BlankUUID, nil, err
	}
	if err := successorVol.SetParentTag(ancestorMeta.PUUID); err != nil {
		return types.BlankUUID, nil, err
	}
	if err := successorVol.Teardown(true); err != nil {
		e.log.Warn().Err(err).Str("vol", string(p.Successor)).Msg("teardown after merge rebase failed")
	}

	intermediates := make([]types.UUID, 0, len(subChain)-1)
	for _, v := range subChain {
		if v != p.Successor {
			intermediates = append(intermediates, v)
		}
	}
	return p.Successor, intermediates, nil
}

// mergeBaseCow handles a COW base ancestor with no parent: rather
// than rebasing successor directly onto nothing (which qemu-img
// allows but which skips a useful safe-copy step), it rebases through
// a throwaway empty sibling so the final detach is metadata-only
// (spec §4.8.5 "Base COW merge").
func (e *Engine) mergeBaseCow(t *task.Task, m *domain.Manifest, p MergeParams, subChain []types.UUID, ancestorMeta types.VolumeMeta) (types.UUID, []types.UUID, error) {
	siblingUUID := types.UUID(fmt.Sprintf("%s-merge-sibling", p.Ancestor))
	sibling, err := m.CreateVolume(t, domain.CreateVolumeParams{
		ImgUUID:     p.ImgUUID,
		VolUUID:     siblingUUID,
		Capacity:    ancestorMeta.Capacity,
		Format:      types.FormatCow,
		Preallocate: types.AllocSparse,
		DiskType:    ancestorMeta.DiskType,
	})
	if err != nil {
		return types.BlankUUID, nil, err
	}

	successorVol, err := m.ProduceVolume(p.ImgUUID, p.Successor)
	if err != nil {
		return types.BlankUUID, nil, err
	}
	if err := successorVol.Prepare(t, true, true, true); err != nil {
		return types.BlankUUID, nil, err
	}

	if err := e.qemu.Rebase(context.Background(), m.PayloadPath(p.ImgUUID, p.Successor), qemuimg.RebaseOptions{
		Backing:       sibling.PayloadPath(),
		BackingFormat: types.FormatCow,
	}); err != nil {
		return types.BlankUUID, nil, err
	}
	if err := e.qemu.Rebase(context.Background(), m.PayloadPath(p.ImgUUID, p.Successor), qemuimg.RebaseOptions{
		Backing: "",
		Unsafe:  true,
	}); err != nil {
		return types.BlankUUID, nil, err
	}

	if err := successorVol.SetParentMeta(t, types.BlankUUID); err != nil {
		return types.BlankUUID, nil, err
	}
	if err := successorVol.SetParentTag(types.BlankUUID); err != nil {
		return types.BlankUUID, nil, err
	}
	if err := successorVol.Teardown(true); err != nil {
		e.log.Warn().Err(err).Str("vol", string(p.Successor)).Msg("teardown after merge rebase failed")
	}

	if err := sibling.Delete(t, false); err != nil {
		e.log.Warn().Err(err).Str("vol", string(siblingUUID)).Msg("failed to remove temporary merge sibling")
	}

	intermediates := make([]types.UUID, 0, len(subChain)-1)
	for _, v := range subChain {
		if v != p.Successor {
			intermediates = append(intermediates, v)
		}
	}
	return p.Successor, intermediates, nil
}

func randSuffix() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// mergeBaseRaw handles a RAW base ancestor: since a RAW volume cannot
// be the target of a qcow2 rebase, the engine instead converts
// successor's full content into a new RAW volume and swaps names
// (spec §4.8.5 "Base RAW merge").
func (e *Engine) mergeBaseRaw(t *task.Task, m *domain.Manifest, p MergeParams, subChain []types.UUID, ancestorMeta types.VolumeMeta) (types.UUID, []types.UUID, error) {
	mergeUUID := types.UUID(fmt.Sprintf("%s_MERGE", p.Successor))
	successorMeta, err := m.GetMetadata(p.ImgUUID, p.Successor)
	if err != nil {
		return types.BlankUUID, nil, err
	}

	mergeVol, err := m.CreateVolume(t, domain.CreateVolumeParams{
		ImgUUID:     p.ImgUUID,
		VolUUID:     mergeUUID,
		Capacity:    ancestorMeta.Capacity,
		Format:      ancestorMeta.Format,
		Preallocate: ancestorMeta.Type,
		DiskType:    successorMeta.DiskType,
	})
	if err != nil {
		return types.BlankUUID, nil, err
	}

	successorVol, err := m.ProduceVolume(p.ImgUUID, p.Successor)
	if err != nil {
		return types.BlankUUID, nil, err
	}
	if err := successorVol.Prepare(t, false, true, false); err != nil {
		return types.BlankUUID, nil, err
	}
	if err := mergeVol.Prepare(t, true, false, true); err != nil {
		return types.BlankUUID, nil, err
	}

	if err := e.qemu.Convert(context.Background(), m.PayloadPath(p.ImgUUID, p.Successor), mergeVol.PayloadPath(), qemuimg.ConvertOptions{
		SrcFormat: successorMeta.Format,
		DstFormat: ancestorMeta.Format,
	}); err != nil {
		return types.BlankUUID, nil, err
	}

	removeMeUUID := types.UUID(fmt.Sprintf("_remove_me_%s_%s", randSuffix(), p.Successor))
	if err := successorVol.Rename(t, removeMeUUID); err != nil {
		return types.BlankUUID, nil, err
	}
	if err := mergeVol.Rename(t, p.Successor); err != nil {
		return types.BlankUUID, nil, err
	}

	vols, err := m.GetVolsOfImage(context.Background(), p.ImgUUID)
	if err != nil {
		return types.BlankUUID, nil, err
	}
	for _, v := range vols {
		meta, err := m.GetMetadata(p.ImgUUID, v)
		if err != nil {
			return types.BlankUUID, nil, err
		}
		if meta.PUUID != removeMeUUID {
			continue
		}
		child, err := m.ProduceVolume(p.ImgUUID, v)
		if err != nil {
			return types.BlankUUID, nil, err
		}
		if err := e.qemu.Rebase(context.Background(), child.PayloadPath(), qemuimg.RebaseOptions{
			Backing: m.PayloadPath(p.ImgUUID, p.Successor),
			Unsafe:  true,
		}); err != nil {
			return types.BlankUUID, nil, err
		}
		if err := child.SetParentMeta(t, p.Successor); err != nil {
			return types.BlankUUID, nil, err
		}
		if err := child.SetParentTag(p.Successor); err != nil {
			return types.BlankUUID, nil, err
		}
		if err := e.recheckIfLeaf(t, p.SdUUID, p.ImgUUID, p.Successor); err != nil {
			return types.BlankUUID, nil, err
		}
	}

	intermediates := make([]types.UUID, 0, len(subChain))
	for _, v := range subChain {
		if v != p.Successor {
			intermediates = append(intermediates, v)
		}
	}
	intermediates = append(intermediates, removeMeUUID)
	return p.Successor, intermediates, nil
}

// shrinkToOptimalSize reduces volUUID's underlying block allocation
// down to its OptimalSize, used after a merge frees up space in a
// block-backed chunked volume.
func (e *Engine) shrinkToOptimalSize(t *task.Task, m *domain.Manifest, imgUUID, volUUID types.UUID) error {
	vol, err := m.ProduceVolume(imgUUID, volUUID)
	if err != nil {
		return err
	}
	optimal, err := vol.OptimalSize()
	if err != nil {
		return err
	}
	return vol.Reduce(t, (optimal+511)/512)
}
