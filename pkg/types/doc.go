/*
Package types defines the data model shared by every component of the
virtual disk chain engine: storage domains, images, volumes and the
identifiers that tie them together.

# Architecture

types is the foundation package — it has no dependencies on any other
package in this module and is imported by all of them. It defines:

  - UUID: the opaque 128-bit identifier used for domains, images and
    volumes, plus the BlankUUID sentinel ("no parent"/"unknown")
  - Storage domain attributes: version, class, backend kind, block
    size, alignment
  - Volume attributes: capacity, allocation type, on-disk format,
    disk type, role in its chain, legality, generation

# Design Patterns

Enumeration Pattern: every enum is a typed string (or typed int, for
numeric domains like DomainVersion) so invalid values can't silently
compile in from an untyped literal:

	type VolumeFormat string
	const (
	    FormatRaw VolumeFormat = "RAW"
	    FormatCow VolumeFormat = "COW"
	)

Optional Fields: PUUID is represented as a UUID that may equal
BlankUUID rather than as a pointer — every component that reads a
parent pointer must check IsBlank() explicitly, matching invariant 3
of the metadata record.

# Thread Safety

Types in this package are plain value/struct holders. They carry no
synchronization of their own; callers (pkg/resource, pkg/domain,
pkg/volume) are responsible for serializing access to shared
instances.
*/
package types
