package model

// Client is the persistent record of an outbound delivery channel. The
// TransportID is an opaque handle into the transport (e.g. a websocket
// connection id); it is unique across clients and does not survive a
// restart, since the underlying channel is ephemeral.
type Client struct {
	ID                  string
	TransportID         string
	NextNotificationIdx uint64
	FailureCount        uint8
}

// Degraded reports whether the client has accumulated delivery failures
// without yet crossing the disconnect threshold.
func (c *Client) Degraded() bool {
	return c != nil && c.FailureCount > 0
}

// Subscription is the persistent record of a client's interest in a single
// stream type. A client may hold at most one subscription per StreamType.
type Subscription struct {
	ID         string
	ClientID   string
	StreamType StreamType
}
