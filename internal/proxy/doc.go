// Package proxy implements the flume forwarding engine: the concurrent
// tunnel registry, per-tunnel accept loops and lifecycle, load-balanced
// backend selection, and the per-connection forwarding pipeline with
// optional TLS termination.
//
// Registry structure is a sync.Map so lookups for unrelated tunnels never
// contend; all hot-path statistics are atomics so STATUS and metrics reads
// never pause the data plane.
package proxy
