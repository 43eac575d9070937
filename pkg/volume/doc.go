/*
Package volume implements the Volume Manifest (spec §4.7): the
operations common to every volume regardless of which storage domain
backend holds its payload.

# Architecture

A Volume pairs identity (domain/image/volume UUID, on-disk metadata
format version) with a Backend, the interface that supplies everything
that differs between a file/NFS domain and a block/LVM domain:

	┌────────────────────────────────────────────────────┐
	│                      Volume                         │
	│  GetMetadata / SetMetadata / Prepare / Teardown /   │
	│  Extend / Reduce / Rename / SetParentMeta /         │
	│  SetParentTag / Delete / OptimalSize                │
	└───────────────────────┬──────────────────────────────┘
	                        │
	                        ▼
	               ┌─────────────────┐
	               │     Backend     │  (interface)
	               └───┬─────────┬───┘
	                   ▼         ▼
	            FileManifest  BlockManifest
	          (pkg/domain)   (pkg/domain)

pkg/volume never imports pkg/domain; the Storage Domain Manifest (C6)
constructs a Volume and supplies itself as the Backend, plus a
ParentResolver closure so Prepare/Teardown/Delete can recurse up a COW
chain without pkg/volume knowing how a parent volume is produced.

# Recovery

SetMetadata, Prepare and Rename push a compensating action onto the
calling Task's recovery stack, so a subsequent failure in the same
composite operation unwinds them: SetMetadata (before it writes)
restores the prior sidecar record, Prepare (after activating)
deactivates what it just activated, Rename (after renaming) renames
back. Extend, Reduce and Delete register no compensation for their
payload changes beyond the metadata rollback SetMetadata pushes.
Callers are expected to call
Task.ClearRecoveries() once their composite operation reaches a commit
point.

# Lifecycle

Created: the backend reserves the payload (exclusive file creation, or
LV allocation); the metadata record is written last, making its
existence the commit point. Mutated: SetMetadata always writes a fresh
record with a bumped GEN, never edits in place. Destroyed: Delete marks
the volume ILLEGAL before removing its lease, payload and metadata
sidecar, so a volume that dies mid-delete is never mistaken for a
legal, readable one.
*/
package volume
