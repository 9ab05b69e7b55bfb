// Package tunnel defines the tunnel expression grammar shared by the CLI,
// the control protocol, and the RPC API: socket specs, per-tunnel options,
// and the local=remote[,remote...][options] expression format.
package tunnel
