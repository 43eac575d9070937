/*
Package domain implements the Storage Domain Manifest (spec §4.6): the
layout, metadata-slot bookkeeping and volume factory for one storage
domain, in either of its two physical shapes.

	┌───────────────────────────────────────────────┐
	│                    Manifest                    │
	│ ProduceVolume / GetAllVolumes / GetVolsOfImage /│
	│ CreateVolume / DeleteImage / ZeroImage /        │
	│ TemplateRelink / ActivateVolumes /              │
	│ DeactivateImage / GetClusterLease /              │
	│ HasVolumeLeases / QcowCompat / SupportsSparseness│
	└───────────────────┬─────────────────────────────┘
	                    ▼
	            ┌────────────────┐
	            │  backendStore   │  (interface; extends volume.Backend)
	            └───┬────────┬────┘
	                ▼        ▼
	        FileManifest  BlockManifest
	       (pkg/fileadapter) (pkg/lvmcmd)

Manifest hands every Volume it produces a volume.ParentResolver
closure that produces the parent Volume through the same
backendStore, closing the loop pkg/volume
leaves open via its injected closure, without pkg/volume ever
importing this package.

A domain's cluster lease slot for a volume is independent of the block
backend's metadata slot: it is allocated sequentially and persisted in
a small bbolt-backed cache (pkg/domain/cache.go), the same storage
technology the teacher repo uses for its own state store
(pkg/storage/boltdb.go), repurposed here for per-domain bookkeeping
instead of cluster-wide entity storage.
*/
package domain
