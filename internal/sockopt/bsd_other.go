//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package sockopt

// isBSD is true on BSD-family systems, where binding a second datagram
// socket to the same address requires both SO_REUSEADDR and SO_REUSEPORT
// (spec §4.4's portability invariant).
const isBSD = true
