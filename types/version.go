package types

// Version is the canonical project version.
// The CLI, the request protocol and the acknowledgment protocol share it.
const Version = "0.3.0"

// ProtocolVersion is the version of the tab-delimited request/acknowledgment
// protocol carried on the Down and Label topics.
const ProtocolVersion = "0.3.0"
