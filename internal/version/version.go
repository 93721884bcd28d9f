// Package version pins the build and protocol numbers the discovery
// handshake compares. Peers must share Build exactly; protocol numbers
// allow a compatibility window.
package version

const (
	// Build is the exact build number peers must match.
	Build uint32 = 2026

	// ProtocolCurrent is the protocol we speak.
	ProtocolCurrent uint32 = 12

	// ProtocolMin is the oldest peer protocol we accept.
	ProtocolMin uint32 = 9
)
