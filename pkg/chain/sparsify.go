package chain

import (
	"context"

	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/task"
	"github.com/cuemby/vstorage/pkg/types"
)

// SparsifyParams is Sparsify's input: tmp and dst must already be
// prepared R/W and sized at least as large as the source's virtual
// size (spec §4.8.7).
type SparsifyParams struct {
	SdUUID   types.UUID
	ImgUUID  types.UUID
	TmpUUID  types.UUID
	DstUUID  types.UUID
}

// Sparsify copies tmp's content into dst with qemu-img convert, in
// dst's own recorded format, so runs of zero bytes are left
// unallocated in dst, then shrinks both volumes back down to their
// optimal size. tmp itself is not rewritten.
//
// The reference flow scrubs free space at the guest filesystem level
// before the reclaim; no filesystem-aware library exists anywhere in
// the dependency set available here, so this reclaims only what
// qemu-img convert's own zero-detection already collapses when
// copying tmp's content into dst. A filesystem-aware pass would need
// to run inside the guest or through a disk-image library neither
// present nor grounded in anything this module depends on.
func (e *Engine) Sparsify(t *task.Task, p SparsifyParams) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		observeOp("sparsify", err)
		timer.ObserveDurationVec(metrics.ChainOperationDuration, "sparsify")
	}()

	m, err := e.manifest(p.SdUUID)
	if err != nil {
		return err
	}

	tmpVol, err := m.ProduceVolume(p.ImgUUID, p.TmpUUID)
	if err != nil {
		return err
	}
	dstVol, err := m.ProduceVolume(p.ImgUUID, p.DstUUID)
	if err != nil {
		return err
	}

	tmpMeta, err := tmpVol.GetMetadata()
	if err != nil {
		return err
	}
	dstMeta, err := dstVol.GetMetadata()
	if err != nil {
		return err
	}

	opt := qemuimg.ConvertOptions{
		SrcFormat:       tmpMeta.Format,
		DstFormat:       dstMeta.Format,
		UnorderedWrites: m.RecommendsUnorderedWrites(dstMeta.Format),
	}
	if !dstMeta.PUUID.IsBlank() {
		opt.Backing = m.PayloadPath(p.ImgUUID, dstMeta.PUUID)
	}
	if err := e.qemu.Convert(context.Background(), tmpVol.PayloadPath(), dstVol.PayloadPath(), opt); err != nil {
		return err
	}

	if err := e.shrinkToOptimalSize(t, m, p.ImgUUID, p.TmpUUID); err != nil {
		return err
	}
	if err := e.shrinkToOptimalSize(t, m, p.ImgUUID, p.DstUUID); err != nil {
		return err
	}
	return nil
}
