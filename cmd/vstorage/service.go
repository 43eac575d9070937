package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/vstorage/internal/config"
	"github.com/cuemby/vstorage/pkg/chain"
	"github.com/cuemby/vstorage/pkg/domain"
	"github.com/cuemby/vstorage/pkg/fileadapter"
	"github.com/cuemby/vstorage/pkg/hostapi"
	"github.com/cuemby/vstorage/pkg/journal"
	"github.com/cuemby/vstorage/pkg/lvmcmd"
	"github.com/cuemby/vstorage/pkg/qemuimg"
	"github.com/cuemby/vstorage/pkg/resource"
	"github.com/cuemby/vstorage/pkg/types"
)

// openService builds a Service bound to exactly one storage domain,
// assembled fresh from the command's flags. vstorage has no daemon
// and no host inventory to consult (explicitly out of scope), so
// every invocation is told which domain it is and how to reach it.
func openService(cmd *cobra.Command) (*hostapi.Service, types.UUID, func(), error) {
	flags := cmd.Flags()

	sdUUID, _ := flags.GetString("sd-uuid")
	if sdUUID == "" {
		return nil, "", nil, fmt.Errorf("--sd-uuid is required")
	}
	backend, _ := flags.GetString("backend")
	qemuBinary, _ := flags.GetString("qemu-img")
	journalDir, _ := flags.GetString("journal-dir")
	configPath, _ := flags.GetString("config")

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, "", nil, err
		}
	}

	qemu := qemuimg.NewRunner(qemuBinary)
	adapter := fileadapter.NewAdapter(cfg.IOPoolSize)

	var m *domain.Manifest
	switch backend {
	case "file":
		root, _ := flags.GetString("root")
		if root == "" {
			root = cfg.RepoPath
		}
		fm := domain.NewFileManifest(types.UUID(sdUUID), root, adapter, qemu)
		m = domain.NewManifest(types.UUID(sdUUID), types.DomainVersion5, fm, nil, nil, qemu)
	case "block":
		vgName, _ := flags.GetString("vg-name")
		metadataLV, _ := flags.GetString("metadata-lv")
		extentBytes, _ := flags.GetInt64("extent-bytes")
		lvmBinary, _ := flags.GetString("lvm-binary")
		if vgName == "" || metadataLV == "" {
			return nil, "", nil, fmt.Errorf("--vg-name and --metadata-lv are required for the block backend")
		}
		cache := lvmcmd.NewCache(lvmBinary, cfg.MaxCommands, cfg.ReadOnlyRetries)
		vg := lvmcmd.NewVG(vgName, cache)
		bm := domain.NewBlockManifest(types.UUID(sdUUID), types.DomainVersion5, vg, metadataLV, extentBytes, adapter, qemu)
		m = domain.NewManifest(types.UUID(sdUUID), types.DomainVersion5, bm, nil, nil, qemu)
	default:
		return nil, "", nil, fmt.Errorf("unknown --backend %q (want file or block)", backend)
	}

	var j *journal.Journal
	if journalDir != "" {
		var err error
		j, err = journal.Open(journalDir)
		if err != nil {
			return nil, "", nil, fmt.Errorf("open journal: %w", err)
		}
	}

	resources := resource.NewManager()
	engine := chain.NewEngine(resources, qemu)
	engine.RegisterDomain(types.UUID(sdUUID), m)

	svc := hostapi.NewService(engine, resources, j)
	svc.RegisterDomain(types.UUID(sdUUID), m)

	closeFn := func() {
		adapter.Close()
		if j != nil {
			j.Close()
		}
	}
	return svc, types.UUID(sdUUID), closeFn, nil
}
