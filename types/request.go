package types

// FieldSeparator separates fields in request and acknowledgment payloads.
const FieldSeparator = "\t"

// HashNotUsed is the content hash sentinel that suppresses acknowledgment.
const HashNotUsed = "NotUsed"

// Acknowledgment outcome tokens.
const (
	OutcomeDone = "DONE"
	OutcomeNope = "NOPE"
)

// TransferRequest is a single inbound fetch request.
type TransferRequest struct {
	// Target is the remote file or directory name.
	Target string `json:"target"`
	// ContentHash correlates the acknowledgment with the request.
	ContentHash string `json:"content_hash"`
	// TypeCode selects the destination directory.
	TypeCode string `json:"type_code"`
}

// Correlated reports whether the request carries a real content hash.
func (r TransferRequest) Correlated() bool {
	return r.ContentHash != HashNotUsed
}

// AckEvent is the acknowledgment for a completed transfer.
type AckEvent struct {
	ContentHash string `json:"content_hash"`
	Outcome     string `json:"outcome"`
}

// NewAckEvent builds the acknowledgment for a transfer outcome.
func NewAckEvent(contentHash string, success bool) AckEvent {
	outcome := OutcomeNope
	if success {
		outcome = OutcomeDone
	}
	return AckEvent{ContentHash: contentHash, Outcome: outcome}
}

// Success reports whether the acknowledgment carries the success token.
func (a AckEvent) Success() bool {
	return a.Outcome == OutcomeDone
}

// Payload renders the acknowledgment in wire form: "{hash}\t{outcome}".
func (a AckEvent) Payload() []byte {
	return []byte(a.ContentHash + FieldSeparator + a.Outcome)
}
