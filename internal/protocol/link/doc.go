// Package link owns the relay<->gateway transport contract.
//
// Ownership boundary:
// - hello/hello.ack control handshake (JSON lines)
// - framed TLV wire helpers for connection, credential and message traffic
// - reconnect backoff and transport security primitives
//
// The gateway fronts the messaging network; the relay never speaks the network's own
// protocol.
package link
