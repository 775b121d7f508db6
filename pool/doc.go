// Package pool
// Author: momentics <momentics@gmail.com>
//
// Frame buffers shared by the client send path and the relay forwarders.
// A frame holds one header plus at most one maximal payload of its kind, so
// each outbound frame is a single contiguous write.
package pool
