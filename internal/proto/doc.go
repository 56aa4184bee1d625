// Package proto holds the binary layout of the binder device protocol as seen
// by userspace, as well as the framing used by the remote resource proxy.
//
// All binder structures are little-endian and use the 64-bit layout: pointers
// and sizes are 8 bytes, handles and descriptors are 4 bytes and live in the
// low half of an 8-byte union where the kernel header declares one. Nothing
// in this package knows about processes or threads; it only turns bytes into
// structures and back.
//
// Commands (BC_*) travel from userspace to the driver in the write half of a
// BINDER_WRITE_READ exchange. Returns (BR_*) travel the other way in the read
// half. Both are a 4-byte code followed by a fixed payload whose size is
// encoded in the code itself, the same way ioctl request numbers encode it.
//
// The remote resource proxy speaks length-prefixed JSON blobs over a unix
// stream socket. A descriptor travels as a control message sent in the same
// sendmsg as the blob it belongs to, so it arrives with the blob's first
// bytes. ReadBlob reads exactly one blob and never reaches into the next
// message.
package proto
