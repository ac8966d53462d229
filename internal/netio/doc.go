// Package netio provides the platform plumbing for the bridge: promiscuous
// AF_PACKET sockets bound to the physical interfaces and the TUN device
// the host claims traffic through.
//
// Linux-specific implementation uses golang.org/x/sys/unix.
package netio
