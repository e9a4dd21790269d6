package dkls23

// Version is populated at build time via ldflags.
var Version = "v0.0.0-in-progress"

// ProtocolVersion tags the wire format of sealed fragments and opaque state.
// Parties on different protocol versions cannot complete a run together.
const ProtocolVersion = 1

// LibraryVersion returns the semantic version of the library.
func LibraryVersion() string {
	return Version
}
