package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/vstorage/internal/obslog"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vstorage",
	Short: "vstorage drives one storage domain's volume chains from a terminal",
	Long: `vstorage is a direct, in-process driver for the virtual disk chain
engine: no daemon, no network protocol — every invocation opens the
named storage domain, runs one operation under its own task, and
exits.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vstorage version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.PersistentFlags().String("sd-uuid", "", "Storage domain UUID (required)")
	rootCmd.PersistentFlags().String("backend", "file", "Storage domain backend: file or block")
	rootCmd.PersistentFlags().String("root", "", "File backend: domain mount root")
	rootCmd.PersistentFlags().String("vg-name", "", "Block backend: LVM volume group name")
	rootCmd.PersistentFlags().String("metadata-lv", "", "Block backend: metadata LV device path")
	rootCmd.PersistentFlags().Int64("extent-bytes", 128<<20, "Block backend: VG extent size in bytes")
	rootCmd.PersistentFlags().String("qemu-img", "qemu-img", "qemu-img binary to invoke")
	rootCmd.PersistentFlags().String("lvm-binary", "lvm", "lvm binary to invoke (block backend only)")
	rootCmd.PersistentFlags().String("journal-dir", "", "Directory for the recovery journal (disabled if empty)")
	rootCmd.PersistentFlags().String("config", "", "YAML config file overriding built-in defaults (internal/config)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(chainCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	obslog.Init(obslog.Config{
		Level:      obslog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
