package engine

import "errors"

// ErrSubscriptionExists is returned by Subscribe when the client already
// holds a subscription of the requested stream type.
var ErrSubscriptionExists = errors.New("engine: subscription already exists for this stream type")

// ErrUnknownSubscription is returned by Unsubscribe when no subscription
// with the given id exists.
var ErrUnknownSubscription = errors.New("engine: unknown subscription")

// ErrCancelled is returned by Subscribe when the caller's context is
// cancelled mid-snapshot; the caller's transaction is
// rolled back and no partial state survives.
var ErrCancelled = errors.New("engine: cancelled")

// ErrNotStarted is returned by operations attempted before Start or after
// Stop, since the ticker and run context only exist between the two.
var ErrNotStarted = errors.New("engine: not started")
