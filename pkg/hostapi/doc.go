/*
Package hostapi is the Host Service API (spec §4.9): thin
transactional wrappers over pkg/chain and pkg/domain. Each wrapper
follows the same shape — create a Task, acquire the resource graph
(the image, and the source template when one is involved), optionally
take the volume's cluster lease, invoke the engine or domain manifest,
then release everything in reverse order.

This package exposes no network surface of its own: it is the
in-process entry point a host agent process would call directly, not
a client/server boundary. Wiring a transport (gRPC, REST, a CLI) onto
Service is left to that caller — cmd/vstorage does it for a terminal.
*/
package hostapi
