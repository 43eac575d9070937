package chain

import (
	"context"

	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/types"
)

// EstimateQcow2Size estimates the 512-block count the destination
// domain would need to hold srcVolUUID converted to dstFormat (spec
// §4.8.2 estimate_qcow2_size): qemu-img measure, plus one allocation
// chunk of headroom, clamped to maxBlocks512 when it is nonzero.
func (e *Engine) EstimateQcow2Size(srcSdUUID, srcImgUUID, srcVolUUID types.UUID, dstFormat types.VolumeFormat, maxBlocks512 uint64) (blocks512 uint64, err error) {
	timer := metrics.NewTimer()
	defer func() {
		observeOp("estimate_qcow2_size", err)
		timer.ObserveDurationVec(metrics.ChainOperationDuration, "estimate_qcow2_size")
	}()

	m, err := e.manifest(srcSdUUID)
	if err != nil {
		return 0, err
	}

	measured, err := e.qemu.Measure(context.Background(), m.PayloadPath(srcImgUUID, srcVolUUID), dstFormat)
	if err != nil {
		return 0, err
	}

	const chunkBlocks512 = volumeUtilizationChunkBytes / 512
	total := measured + chunkBlocks512
	if maxBlocks512 > 0 && total > maxBlocks512 {
		total = maxBlocks512
	}
	return total, nil
}

// EstimateChainSize sums the actual on-disk size of every volume in
// sdUUID/imgUUID's chain rooted at volUUID, caps the sum at capBlk
// 512-byte blocks, then applies the COW_OVERHEAD safety multiplier
// (spec §4.8.2 estimate_chain_size).
func (e *Engine) EstimateChainSize(sdUUID, imgUUID, volUUID types.UUID, capBlk uint64) (blocks512 uint64, err error) {
	timer := metrics.NewTimer()
	defer func() {
		observeOp("estimate_chain_size", err)
		timer.ObserveDurationVec(metrics.ChainOperationDuration, "estimate_chain_size")
	}()

	m, err := e.manifest(sdUUID)
	if err != nil {
		return 0, err
	}
	chain, err := e.GetChain(sdUUID, imgUUID, volUUID)
	if err != nil {
		return 0, err
	}

	var totalBytes int64
	for _, v := range chain {
		apparent, err := m.ApparentSize(imgUUID, v)
		if err != nil {
			return 0, err
		}
		totalBytes += apparent
	}

	capBytes := int64(capBlk) * 512
	if capBlk > 0 && totalBytes > capBytes {
		totalBytes = capBytes
	}

	withOverhead := uint64(float64(totalBytes) * cowOverhead)
	return (withOverhead + 511) / 512, nil
}
