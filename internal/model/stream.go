// Package model defines the persistent entities of the subscription and
// notification pipeline: stream types, entity clones, clients,
// subscriptions, and notifications.
package model

// StreamType enumerates the class of trust-graph entity a subscription
// observes. The ordinal values encode the causal precedence producers must
// respect when emitting change events: an identity a trust edge depends on
// must be stored before the trust edge itself.
type StreamType int

const (
	StreamIdentity StreamType = iota
	StreamTrust
	StreamScore
)

// String renders the stream type for logging and persistence.
func (t StreamType) String() string {
	switch t {
	case StreamIdentity:
		return "identity"
	case StreamTrust:
		return "trust"
	case StreamScore:
		return "score"
	default:
		return "unknown"
	}
}

// ParseStreamType recovers a StreamType from its persisted string form.
func ParseStreamType(raw string) (StreamType, bool) {
	switch raw {
	case "identity":
		return StreamIdentity, true
	case "trust":
		return StreamTrust, true
	case "score":
		return StreamScore, true
	default:
		return 0, false
	}
}

// AllStreamTypes lists every stream type in causal precedence order.
func AllStreamTypes() []StreamType {
	return []StreamType{StreamIdentity, StreamTrust, StreamScore}
}
