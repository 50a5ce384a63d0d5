package ir

// Version constants for the wire protocol and engine.
const (
	// ProtocolVersion is the version of the client/server frame format.
	ProtocolVersion = "1"

	// EngineVersion is the convsync engine version.
	EngineVersion = "0.1.0"
)
