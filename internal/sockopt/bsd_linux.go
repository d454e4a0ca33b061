//go:build linux

package sockopt

// isBSD is false on Linux: SO_REUSEPORT has independent (non-portability-
// mandated) semantics there, so SetReuseAddr does not imply it.
const isBSD = false
