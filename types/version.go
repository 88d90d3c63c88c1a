package types

// Version is the canonical host version.
// The CLI, the handshake reply and the HOST_VER frame all report it.
const Version = "5.0.2"

// Host version components, sent in the handshake reply.
const (
	VersionMajor uint16 = 5
	VersionMinor uint16 = 0
	VersionPatch uint16 = 2
)

// ClientMajor is the only client protocol major version the host accepts.
const ClientMajor uint16 = 3

// HostRevision is the command provider import revision this host implements.
// Providers declaring a higher minimum revision are not loaded.
const HostRevision = 3

// ClientVersion is the version triple a client sends in its handshake header.
type ClientVersion struct {
	Major uint16 `msgpack:"major" json:"major"`
	Minor uint16 `msgpack:"minor" json:"minor"`
	Patch uint16 `msgpack:"patch" json:"patch"`
}

// Supported reports whether the host accepts this client version.
func (v ClientVersion) Supported() bool {
	return v.Major == ClientMajor
}
