package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/vstorage/pkg/domain"
	"github.com/cuemby/vstorage/pkg/types"
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes within one image",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create IMG_UUID VOL_UUID",
	Short: "Create a new base or COW volume",
	Long: `Create a new volume.

Examples:
  # Create a 10GiB raw base volume
  vstorage volume create img1 vol1 --capacity 10737418240 --format RAW

  # Create a COW volume cloned from a parent
  vstorage volume create img1 vol2 --capacity 10737418240 --format COW --parent-vol vol1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sdUUID, closeFn, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		capacity, _ := cmd.Flags().GetInt64("capacity")
		format, _ := cmd.Flags().GetString("format")
		prealloc, _ := cmd.Flags().GetString("prealloc")
		diskType, _ := cmd.Flags().GetString("disk-type")
		parentImg, _ := cmd.Flags().GetString("parent-img")
		parentVol, _ := cmd.Flags().GetString("parent-vol")
		description, _ := cmd.Flags().GetString("description")

		vol, err := svc.CreateVolume(sdUUID, domain.CreateVolumeParams{
			ImgUUID:     types.UUID(args[0]),
			VolUUID:     types.UUID(args[1]),
			Capacity:    uint64(capacity),
			Format:      types.VolumeFormat(format),
			Preallocate: types.AllocationType(prealloc),
			DiskType:    types.DiskType(diskType),
			Description: description,
			SrcImgUUID:  types.UUID(parentImg),
			SrcVolUUID:  types.UUID(parentVol),
		})
		if err != nil {
			return fmt.Errorf("create volume: %w", err)
		}
		fmt.Printf("Volume created: %s\n", vol.ID())
		return nil
	},
}

var volumeDeleteCmd = &cobra.Command{
	Use:   "delete-image IMG_UUID",
	Short: "Delete every volume of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sdUUID, closeFn, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		postZero, _ := cmd.Flags().GetBool("post-zero")
		discard, _ := cmd.Flags().GetBool("discard")

		if err := svc.DeleteImage(sdUUID, types.UUID(args[0]), postZero, discard); err != nil {
			return fmt.Errorf("delete image: %w", err)
		}
		fmt.Printf("Image deleted: %s\n", args[0])
		return nil
	},
}

var volumePrepareCmd = &cobra.Command{
	Use:   "prepare IMG_UUID VOL_UUID",
	Short: "Activate a volume (and optionally its backing chain) for guest use",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sdUUID, closeFn, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		rw, _ := cmd.Flags().GetBool("rw")
		chainRW, _ := cmd.Flags().GetBool("chain-rw")

		if err := svc.PrepareVolume(sdUUID, types.UUID(args[0]), types.UUID(args[1]), rw, chainRW); err != nil {
			return fmt.Errorf("prepare volume: %w", err)
		}
		fmt.Printf("Volume prepared: %s\n", args[1])
		return nil
	},
}

func init() {
	volumeCreateCmd.Flags().Int64("capacity", 0, "Volume capacity in bytes (required)")
	volumeCreateCmd.Flags().String("format", string(types.FormatRaw), "Volume format: RAW or COW")
	volumeCreateCmd.Flags().String("prealloc", string(types.AllocSparse), "Allocation: SPARSE or PREALLOCATED")
	volumeCreateCmd.Flags().String("disk-type", string(types.DiskTypeData), "Disk content type")
	volumeCreateCmd.Flags().String("parent-img", "", "Parent volume's image UUID, if different from IMG_UUID")
	volumeCreateCmd.Flags().String("parent-vol", "", "Parent volume UUID (blank for a base volume)")
	volumeCreateCmd.Flags().String("description", "", "Free-form description stored with the volume")
	_ = volumeCreateCmd.MarkFlagRequired("capacity")

	volumeDeleteCmd.Flags().Bool("post-zero", false, "Zero-fill volume payloads before removal")
	volumeDeleteCmd.Flags().Bool("discard", false, "Issue a discard instead of zero-filling")

	volumePrepareCmd.Flags().Bool("rw", false, "Prepare for read-write access")
	volumePrepareCmd.Flags().Bool("chain-rw", false, "Recurse read-write preparation up the backing chain")

	volumeCmd.AddCommand(volumeCreateCmd)
	volumeCmd.AddCommand(volumeDeleteCmd)
	volumeCmd.AddCommand(volumePrepareCmd)
}
