// Package handshaker implements the connection handshake of a node-to-node
// transport.
//
// When one node opens a connection to another, the two must agree on the
// newest protocol version both understand before any other traffic flows.
// The nodes may come from widely separated releases, so the handshake message
// itself is written in one of three frozen layouts (see package
// internal/proto), and a node answers a handshake in whichever layout it was
// asked.
//
// A Handshaker drives outbound handshakes and answers inbound ones. Each
// outbound handshake is completed exactly once, by whichever comes first of
// its response, an error reported for it, its connection closing, or its
// timeout. The winner reports either min(local, remote) or an error to the
// caller's Listener; every other trigger is ignored.
//
// A Transport wires a Handshaker to TCP connections: it dials peers and
// negotiates with them, and it accepts connections and answers their
// handshakes.
package handshaker
