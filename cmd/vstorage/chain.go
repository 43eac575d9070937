package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/vstorage/pkg/chain"
	"github.com/cuemby/vstorage/pkg/types"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Inspect and operate on image volume chains",
}

var chainGetCmd = &cobra.Command{
	Use:   "get IMG_UUID [LEAF_VOL_UUID]",
	Short: "Print an image's volume chain, parent-first",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sdUUID, closeFn, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		leaf := types.BlankUUID
		if len(args) == 2 {
			leaf = types.UUID(args[1])
		}
		volUUIDs, err := svc.GetChain(sdUUID, types.UUID(args[0]), leaf)
		if err != nil {
			return fmt.Errorf("get chain: %w", err)
		}
		names := make([]string, len(volUUIDs))
		for i, v := range volUUIDs {
			names[i] = string(v)
		}
		fmt.Println(strings.Join(names, " -> "))
		return nil
	},
}

var chainSnapshotCmd = &cobra.Command{
	Use:   "snapshot IMG_UUID PARENT_VOL_UUID NEW_VOL_UUID",
	Short: "Create a new COW volume on top of an existing leaf",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sdUUID, closeFn, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		capacity, _ := cmd.Flags().GetInt64("capacity")
		prealloc, _ := cmd.Flags().GetString("prealloc")
		diskType, _ := cmd.Flags().GetString("disk-type")
		description, _ := cmd.Flags().GetString("description")

		vol, err := svc.Snapshot(chain.SnapshotParams{
			SdUUID:      sdUUID,
			ImgUUID:     types.UUID(args[0]),
			ParentUUID:  types.UUID(args[1]),
			NewVolUUID:  types.UUID(args[2]),
			Capacity:    uint64(capacity),
			Preallocate: types.AllocationType(prealloc),
			DiskType:    types.DiskType(diskType),
			Description: description,
		})
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		fmt.Printf("Snapshot created: %s\n", vol.ID())
		return nil
	},
}

var chainMergeCmd = &cobra.Command{
	Use:   "merge IMG_UUID ANCESTOR_VOL_UUID SUCCESSOR_VOL_UUID",
	Short: "Merge a sub-chain into its successor",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sdUUID, closeFn, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		postZero, _ := cmd.Flags().GetBool("post-zero")
		discard, _ := cmd.Flags().GetBool("discard")

		err = svc.Merge(chain.MergeParams{
			SdUUID:    sdUUID,
			ImgUUID:   types.UUID(args[0]),
			Ancestor:  types.UUID(args[1]),
			Successor: types.UUID(args[2]),
			PostZero:  postZero,
			Discard:   discard,
		})
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		fmt.Println("Merge complete")
		return nil
	},
}

var chainCopyCmd = &cobra.Command{
	Use:   "copy DST_SD_UUID IMG_UUID",
	Short: "Copy an image's chain to another storage domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMove(cmd, args, chain.OpCopy)
	},
}

var chainMoveCmd = &cobra.Command{
	Use:   "move DST_SD_UUID IMG_UUID",
	Short: "Move an image's chain to another storage domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMove(cmd, args, chain.OpMove)
	},
}

func runMove(cmd *cobra.Command, args []string, op chain.MoveOp) error {
	svc, sdUUID, closeFn, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	postZero, _ := cmd.Flags().GetBool("post-zero")
	force, _ := cmd.Flags().GetBool("force")
	discard, _ := cmd.Flags().GetBool("discard")

	err = svc.Move(chain.MoveParams{
		SrcSdUUID: sdUUID,
		DstSdUUID: types.UUID(args[0]),
		ImgUUID:   types.UUID(args[1]),
		Op:        op,
		PostZero:  postZero,
		Force:     force,
		Discard:   discard,
	})
	if err != nil {
		return fmt.Errorf("move: %w", err)
	}
	fmt.Println("Move complete")
	return nil
}

var chainReconcileCmd = &cobra.Command{
	Use:   "reconcile IMG_UUID LEAF_VOL_UUID",
	Short: "Reconcile an image's recorded chain against its on-disk backing files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sdUUID, closeFn, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		actual, err := svc.ReconcileVolumeChain(sdUUID, types.UUID(args[0]), types.UUID(args[1]))
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		names := make([]string, len(actual))
		for i, v := range actual {
			names[i] = string(v)
		}
		fmt.Println(strings.Join(names, " -> "))
		return nil
	},
}

var chainSparsifyCmd = &cobra.Command{
	Use:   "sparsify IMG_UUID TMP_VOL_UUID DST_VOL_UUID",
	Short: "Convert a sparsified copy into its destination volume",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sdUUID, closeFn, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		err = svc.Sparsify(chain.SparsifyParams{
			SdUUID:  sdUUID,
			ImgUUID: types.UUID(args[0]),
			TmpUUID: types.UUID(args[1]),
			DstUUID: types.UUID(args[2]),
		})
		if err != nil {
			return fmt.Errorf("sparsify: %w", err)
		}
		fmt.Println("Sparsify complete")
		return nil
	},
}

func init() {
	chainSnapshotCmd.Flags().Int64("capacity", 0, "New volume capacity in bytes (required)")
	chainSnapshotCmd.Flags().String("prealloc", string(types.AllocSparse), "Allocation: SPARSE or PREALLOCATED")
	chainSnapshotCmd.Flags().String("disk-type", string(types.DiskTypeData), "Disk content type")
	chainSnapshotCmd.Flags().String("description", "", "Free-form description stored with the volume")
	_ = chainSnapshotCmd.MarkFlagRequired("capacity")

	chainMergeCmd.Flags().Bool("post-zero", false, "Not acted on: merge deletes removed volumes without zero-filling them")
	chainMergeCmd.Flags().Bool("discard", false, "Issue a discard instead of zero-filling")

	for _, c := range []*cobra.Command{chainCopyCmd, chainMoveCmd} {
		c.Flags().Bool("post-zero", false, "Zero-fill the source volumes after a move")
		c.Flags().Bool("force", false, "Overwrite an existing destination image even if it is legal (an illegal one is always replaced)")
		c.Flags().Bool("discard", false, "Issue a discard instead of zero-filling")
	}

	chainCmd.AddCommand(chainGetCmd)
	chainCmd.AddCommand(chainSnapshotCmd)
	chainCmd.AddCommand(chainMergeCmd)
	chainCmd.AddCommand(chainCopyCmd)
	chainCmd.AddCommand(chainMoveCmd)
	chainCmd.AddCommand(chainReconcileCmd)
	chainCmd.AddCommand(chainSparsifyCmd)
}
