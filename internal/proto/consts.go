package proto

const (
	// HandshakeVersionLegacyA is the oldest handshake layout still understood.
	// Its variable header is written inline and it carries no release
	// identifier.
	HandshakeVersionLegacyA Version = 6_08_00_99
	// HandshakeVersionLegacyB prefixes the variable header with its length but
	// still carries no release identifier.
	HandshakeVersionLegacyB Version = 7_17_00_99
	// HandshakeVersionCurrent is the layout this node always initiates with.
	// It adds the release identifier to both request and response.
	HandshakeVersionCurrent Version = 8_800_00_0

	// HandshakeActionName is the action string carried in every handshake
	// request header.
	HandshakeActionName = "internal:tcp/handshake"

	// CurrentVersion is the real protocol version of this build.
	CurrentVersion Version = 8_800_00_0

	// MinimumCompatibleVersion is the oldest real protocol version a peer may
	// declare in its handshake response unless configured otherwise.
	MinimumCompatibleVersion Version = 7_17_00_99
)

// Status flags carried in the fixed message header.
const (
	StatusResponse  byte = 1 << 0
	StatusError     byte = 1 << 1
	StatusCompress  byte = 1 << 2
	StatusHandshake byte = 1 << 3
)

const (
	markerByte0 = 'E'
	markerByte1 = 'S'

	// headerLen is the size of the fixed header: marker, length, request id,
	// status and version.
	headerLen = 2 + 4 + 8 + 1 + 4
	// sizedHeaderLen is the part of the fixed header counted by the length
	// field.
	sizedHeaderLen = 8 + 1 + 4
)

// IsHandshakeVersion reports whether v is one of the handshake layouts.
func IsHandshakeVersion(v Version) bool {
	_, ok := eraCodecs[v]
	return ok
}
