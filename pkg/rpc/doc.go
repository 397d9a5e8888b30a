/*
Package rpc implements the RPC Channel: the framed, bidirectional
transport between the daemon and each application process, and the
manager-side dispatcher that turns application-originated messages into
calls against the application manager and scheduler invoker.

Wire format. Every message is a fixed-size frame:

	frame_size:      u16
	payload_offset:  u16
	message_type:    u16
	payload:         bytes[frame_size - payload_offset]

The payload begins with a 10-byte RPC header (message_type u8, token u32,
app_pid u32, exc_id u8) followed by a type-specific body. All integers are
host-endian; this package fixes that to little-endian, which covers every
platform cgroup-based RTRM deployment realistically targets.

Transport. The concrete transport (fifo.go) is a pair of named FIFOs per
application plus a well-known server FIFO applications announce
themselves on, exactly as described in the external-interfaces section of
the design. The framing tests decode from in-memory buffers; the pairing
and dispatch tests run over real FIFOs in a temporary directory.
*/
package rpc
