// Package proto encapsulates the wire format of the transport handshake, as
// well as the functions for reading and writing it off the wire.
//
// Every message starts with a fixed header:
//
//	45 53                      -- 'ES' marker
//	00 00 00 17                -- length of everything that follows
//	00 00 00 00 00 00 00 01    -- request id
//	09                         -- status flags (0b1000 handshake, 0b0001 response)
//	00 6d 68 33                -- handshake version (7170099)
//
// The handshake version in the header is not the real protocol version of
// either node. It selects one of three frozen layouts for the rest of the
// message:
//
// HandshakeVersionLegacyA writes the variable header (thread context headers,
// feature names, action) inline. Its request ends with a length-prefixed block
// holding the sender's real version as a vint; its response is the bare vint.
//
// HandshakeVersionLegacyB prefixes the variable header with an int32 length,
// otherwise it is identical to HandshakeVersionLegacyA.
//
// HandshakeVersionCurrent is HandshakeVersionLegacyB plus a release identifier
// string after the real version, both in requests and responses.
//
// The request payload is wrapped in its own length-prefixed block so that an
// older reader can skip it whole. A peer that predates versioned requests sends
// no block at all, which decodes to a request whose Versioned method reports
// false.
//
// A node always initiates with HandshakeVersionCurrent and answers a request
// in whatever layout the request used, copying the header version verbatim.
package proto
