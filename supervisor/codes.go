package supervisor

import "fmt"

// Connect acknowledgment codes.
const (
	ConnAccepted               byte = 0
	ConnRefusedProtocolVersion byte = 1
	ConnRefusedIdentifier      byte = 2
	ConnRefusedUnavailable     byte = 3
	ConnRefusedCredentials     byte = 4
	ConnRefusedNotAuthorised   byte = 5
)

// Disconnect codes. 1-5 mirror the connect refusals.
const (
	DisconnectClean      byte = 0
	DisconnectUnexpected byte = 6
	DisconnectNoRetries  byte = 7
)

var connectReasons = map[byte]string{
	ConnRefusedProtocolVersion: "connection refused - incorrect protocol version",
	ConnRefusedIdentifier:      "connection refused - invalid client identifier",
	ConnRefusedUnavailable:     "connection refused - server unavailable",
	ConnRefusedCredentials:     "connection refused - bad username or password",
	ConnRefusedNotAuthorised:   "connection refused - not authorised",
}

var disconnectReasons = map[byte]string{
	ConnRefusedProtocolVersion: "incorrect protocol version",
	ConnRefusedIdentifier:      "invalid client identifier",
	ConnRefusedUnavailable:     "server unavailable",
	ConnRefusedCredentials:     "bad username or password",
	ConnRefusedNotAuthorised:   "not authorised",
	DisconnectUnexpected:       "unexpected disconnect",
	DisconnectNoRetries:        "no more retries",
}

// ConnectReason returns a readable description of a connect code.
func ConnectReason(code byte) string {
	if code == ConnAccepted {
		return "connection accepted"
	}
	if reason, ok := connectReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("unknown error code: %d", code)
}

// DisconnectReason returns a readable description of a disconnect code.
func DisconnectReason(code byte) string {
	if code == DisconnectClean {
		return "disconnected normally"
	}
	if reason, ok := disconnectReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("unknown disconnect reason: %d", code)
}
