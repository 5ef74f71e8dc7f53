// Package transport declares the outbound wire interface the deployment
// engine uses to push notifications to subscribed clients, plus a
// reference websocket implementation. The transport performs synchronous
// request/response with a remote client and reports success, client-side
// failure, disconnection, or cancellation.
package transport

import (
	"context"
	"errors"
	"fmt"

	"trustgraph/notifyd/internal/model"
)

// ErrorKind classifies how a transport send failed.
type ErrorKind int

const (
	// KindDisconnected means the channel is gone; the client must be removed.
	KindDisconnected ErrorKind = iota
	// KindClientError means the client processed the frame but reported failure.
	KindClientError
	// KindIOError is treated identically to KindDisconnected.
	KindIOError
	// KindCancelled means shutdown was requested mid-call.
	KindCancelled
	// KindBugError means an unexpected internal error occurred.
	KindBugError
)

func (k ErrorKind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindClientError:
		return "client_error"
	case KindIOError:
		return "io_error"
	case KindCancelled:
		return "cancelled"
	case KindBugError:
		return "bug_error"
	default:
		return "unknown"
	}
}

// Error wraps a transport failure with its kind so callers can branch on
// it with errors.As.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Disconnected reports whether err is (or wraps) a disconnect-class
// transport error — KindDisconnected or KindIOError both force client
// removal regardless of the failure counter.
func Disconnected(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == KindDisconnected || te.Kind == KindIOError
}

// Cancelled reports whether err is a cancellation-class transport error.
func Cancelled(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == KindCancelled
}

// SyncKind distinguishes the begin/end synchronization markers sent for a
// snapshot.
type SyncKind int

const (
	SyncBegin SyncKind = iota
	SyncEnd
)

// Transport is the outbound channel to a single connected client,
// addressed by its opaque transport id. Every Send* call is synchronous
// request/response and must honor ctx cancellation by returning a
// *Error{Kind: KindCancelled}.
type Transport interface {
	SendIdentityChanged(ctx context.Context, transportID string, old, newer *model.Identity) error
	SendTrustChanged(ctx context.Context, transportID string, old, newer *model.Trust) error
	SendScoreChanged(ctx context.Context, transportID string, old, newer *model.Score) error
	SendBeginOrEndSynchronization(ctx context.Context, transportID, subscriptionID, versionID string, kind SyncKind, streamType model.StreamType) error
	// SendUnsubscribed is best-effort; callers swallow its error.
	SendUnsubscribed(ctx context.Context, transportID string, streamType model.StreamType, subscriptionID string) error
}
