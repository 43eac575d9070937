/*
Package chain implements the Image/Chain Engine (spec §4.8): chain
discovery, size estimation, copy/move between storage domains,
snapshot creation, merge, post-merge reconciliation, and sparsify —
every operation layered over one or more pkg/domain.Manifest domains,
using pkg/qemuimg to drive the actual qcow2 work and pkg/resource to
serialize concurrent access to the same image.

	┌─────────────────────────────────────────────────────────┐
	│                         Engine                           │
	│ GetChain / EstimateQcow2Size / EstimateChainSize /        │
	│ Move / Snapshot / Merge / ReconcileVolumeChain / Sparsify │
	└───────────────┬─────────────────────┬────────────────────┘
	                ▼                     ▼
	        domain.Manifest         resource.Manager
	       (per sdUUID, registered)  (IMAGE_NAMESPACE lock)

An Engine holds no state of its own beyond a registry of the domains
it has been told about and the shared resource manager; every
operation is parametrized by the sdUUID(s) and imgUUID it touches, the
same stateless-service shape the teacher's own manager/reconciler
split uses (pkg/manager owns state, pkg/reconciler only acts on it).
*/
package chain
