package usbip

// ProtocolVersion is the USBIP wire protocol version this client speaks,
// sent in every op-code-layer header.
const ProtocolVersion = Version

// ClientVersion is this module's version string.
const ClientVersion = "0.1.0"
