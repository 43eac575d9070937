package chain

import (
	"context"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/domain"
	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// MoveOp selects Move's behavior after the copy completes.
type MoveOp int

const (
	OpCopy MoveOp = iota
	OpMove
)

// MoveParams is Move's input (spec §4.8.3).
type MoveParams struct {
	SrcSdUUID types.UUID
	DstSdUUID types.UUID
	ImgUUID   types.UUID
	Op        MoveOp
	PostZero  bool
	Force     bool
	Discard   bool
}

// Move copies (or moves) every volume of an image's chain from one
// storage domain to another (spec §4.8.3).
func (e *Engine) Move(t *task.Task, p MoveParams) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		observeOp("move", err)
		timer.ObserveDurationVec(metrics.ChainOperationDuration, "move")
	}()

	src, err := e.manifest(p.SrcSdUUID)
	if err != nil {
		return err
	}
	dst, err := e.manifest(p.DstSdUUID)
	if err != nil {
		return err
	}

	srcHandle, err := e.resources.AcquireResource(string(t.ID()), types.NamespaceImage, string(p.ImgUUID), types.LockShared)
	if err != nil {
		return err
	}
	defer srcHandle.Release()
	dstHandle, err := e.resources.AcquireResource(string(t.ID()), types.NamespaceImage, string(p.ImgUUID), types.LockExclusive)
	if err != nil {
		return err
	}
	defer dstHandle.Release()

	// (1) If the destination image already exists and is illegal or
	// Force is set, delete it first.
	if existing, lerr := dst.GetVolsOfImage(context.Background(), p.ImgUUID); lerr == nil && len(existing) > 0 {
		illegal := false
		for _, v := range existing {
			meta, merr := dst.GetMetadata(p.ImgUUID, v)
			if merr == nil && meta.Legality != types.LegalityLegal {
				illegal = true
				break
			}
		}
		if illegal || p.Force {
			if derr := dst.DeleteImage(t, p.ImgUUID, false, false); derr != nil {
				return derr
			}
		} else {
			return verrors.Newf(verrors.KindInvalidParameter, "chain.Move", "destination image %s already exists on %s", p.ImgUUID, p.DstSdUUID)
		}
	}

	chain, err := e.GetChain(p.SrcSdUUID, p.ImgUUID, types.BlankUUID)
	if err != nil {
		return err
	}

	pimg, err := e.resolveTemplateImage(src, p.ImgUUID, chain)
	if err != nil {
		return err
	}
	if !pimg.IsBlank() && pimg != p.ImgUUID {
		tmplHandle, herr := e.lockImage(t, pimg, types.LockShared)
		if herr != nil {
			return herr
		}
		defer tmplHandle.Release()
	}

	if err := e.createTargetImage(t, src, dst, p.ImgUUID, pimg, chain); err != nil {
		return err
	}
	if err := e.interImagesCopy(t, src, dst, p.ImgUUID, pimg, chain); err != nil {
		return err
	}
	if err := e.finalizeDestinationImage(t, src, dst, p.ImgUUID, chain); err != nil {
		return err
	}

	// (5) Commit point: nothing further can roll back past this line.
	t.ClearRecoveries()

	if p.Op == OpMove {
		var report verrors.CleanupReport
		report.Add(src.DeleteImage(t, p.ImgUUID, p.PostZero, p.Discard))
		if rerr := report.Err(); rerr != nil {
			e.log.Warn().Err(rerr).Str("image", string(p.ImgUUID)).Msg("best-effort source image cleanup after move failed")
		}
	}
	return nil
}

// resolveTemplateImage finds the chain's true root parent image: the
// image owning the base volume's PUUID, or BlankUUID for a standalone
// chain with no template (spec §4.8.3 steps 1-2, ground truth
// image.py's `_createTargetImage` resolving `pimg` off
// `srcChain[0].getParentVolume()`).
func (e *Engine) resolveTemplateImage(src *domain.Manifest, imgUUID types.UUID, chain []types.UUID) (types.UUID, error) {
	if len(chain) == 0 {
		return types.BlankUUID, nil
	}
	base, err := src.GetMetadata(imgUUID, chain[0])
	if err != nil {
		return types.BlankUUID, err
	}
	if base.PUUID.IsBlank() {
		return types.BlankUUID, nil
	}
	return src.FindVolumeImage(context.Background(), imgUUID, base.PUUID)
}

// createTargetImage creates one destination volume per volume in
// chain, SPARSE first (to avoid pre-zeroing the payload), then
// extends it to the source's actual apparent size and re-marks it
// PREALLOCATED when the source was (spec §4.8.3 step 2). pimg is the
// chain's real root parent image (BlankUUID for a standalone chain);
// it is only used as the base volume's SrcImgUUID — every later
// volume's parent already lives in the destination image being built,
// so SrcImgUUID reverts to imgUUID for the rest of the chain.
func (e *Engine) createTargetImage(t *task.Task, src, dst *domain.Manifest, imgUUID, pimg types.UUID, chain []types.UUID) error {
	for i, volUUID := range chain {
		meta, err := src.GetMetadata(imgUUID, volUUID)
		if err != nil {
			return err
		}

		srcImgUUID := imgUUID
		if i == 0 && !pimg.IsBlank() {
			srcImgUUID = pimg
		}

		created, err := dst.CreateVolume(t, domain.CreateVolumeParams{
			ImgUUID:     imgUUID,
			VolUUID:     volUUID,
			Capacity:    meta.Capacity,
			Format:      meta.Format,
			Preallocate: types.AllocSparse,
			DiskType:    meta.DiskType,
			Description: meta.Description,
			SrcImgUUID:  srcImgUUID,
			SrcVolUUID:  meta.PUUID,
		})
		if err != nil {
			return err
		}

		apparent, err := src.ApparentSize(imgUUID, volUUID)
		if err != nil {
			return err
		}
		blocks512 := (uint64(apparent) + 511) / 512
		if err := created.Extend(t, blocks512); err != nil {
			return err
		}

		if meta.Type == types.AllocPreallocated {
			dstMeta, gerr := created.GetMetadata()
			if gerr != nil {
				return gerr
			}
			dstMeta.Type = types.AllocPreallocated
			if serr := created.SetMetadata(t, dstMeta); serr != nil {
				return serr
			}
		}
	}
	return nil
}

// interImagesCopy prepares the source chain R and destination chain
// R/W, then qemu-img converts each volume's payload across (spec
// §4.8.3 step 3). pimg, as in createTargetImage, is where the base
// volume's backing file actually lives on the destination.
func (e *Engine) interImagesCopy(t *task.Task, src, dst *domain.Manifest, imgUUID, pimg types.UUID, chain []types.UUID) error {
	for i, volUUID := range chain {
		srcVol, err := src.ProduceVolume(imgUUID, volUUID)
		if err != nil {
			return err
		}
		dstVol, err := dst.ProduceVolume(imgUUID, volUUID)
		if err != nil {
			return err
		}
		if err := srcVol.Prepare(t, false, false, false); err != nil {
			return err
		}
		if err := dstVol.Prepare(t, true, false, true); err != nil {
			return err
		}

		meta, err := src.GetMetadata(imgUUID, volUUID)
		if err != nil {
			return err
		}

		opt := qemuimg.ConvertOptions{
			SrcFormat:       meta.Format,
			DstFormat:       meta.Format,
			UnorderedWrites: dst.RecommendsUnorderedWrites(meta.Format),
		}
		if dst.SupportsSparseness() && meta.Type == types.AllocPreallocated {
			opt.Preallocation = qemuimg.PreallocationFalloc
		}
		if !meta.PUUID.IsBlank() {
			parentImg := imgUUID
			if i == 0 && !pimg.IsBlank() {
				parentImg = pimg
			}
			opt.Backing = dst.PayloadPath(parentImg, meta.PUUID)
			parentMeta, perr := dst.GetMetadata(parentImg, meta.PUUID)
			if perr == nil {
				opt.BackingFormat = parentMeta.Format
			}
		}

		if err := e.qemu.Convert(context.Background(), src.PayloadPath(imgUUID, volUUID), dst.PayloadPath(imgUUID, volUUID), opt); err != nil {
			return err
		}
	}
	return nil
}

// finalizeDestinationImage re-applies each volume's SHARED/INTERNAL
// role from the source (spec §4.8.3 step 4).
func (e *Engine) finalizeDestinationImage(t *task.Task, src, dst *domain.Manifest, imgUUID types.UUID, chain []types.UUID) error {
	for _, volUUID := range chain {
		meta, err := src.GetMetadata(imgUUID, volUUID)
		if err != nil {
			return err
		}
		vol, err := dst.ProduceVolume(imgUUID, volUUID)
		if err != nil {
			return err
		}
		dstMeta, err := vol.GetMetadata()
		if err != nil {
			return err
		}
		dstMeta.VolType = meta.VolType
		if err := vol.SetMetadata(t, dstMeta); err != nil {
			return err
		}
	}
	return nil
}
