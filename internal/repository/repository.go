// Package repository is the thin persistence abstraction over clients,
// subscriptions, and notifications: indexed lookups
// by (clientId), (subscriptionId), (client -> notifications ordered by
// index), (subscription -> notifications), and class-of-subscription
// filter, plus transactional scope.
package repository

import (
	"context"
	"errors"

	"trustgraph/notifyd/internal/model"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate is returned when a unique constraint would be violated; per
// this is always a bug, never recoverable.
var ErrDuplicate = errors.New("repository: duplicate")

// Repository opens transactional scopes over the durable object store.
// Every mutation the engine performs — ingest, subscribe, unsubscribe,
// and deployment — runs inside a single Tx so that delivery-and-deletion
// of a notification is one committed unit.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a single transactional scope. Callers MUST call exactly one of
// Commit or Rollback.
type Tx interface {
	// Clients.
	FindClientByTransportID(ctx context.Context, transportID string) (*model.Client, error)
	GetClient(ctx context.Context, clientID string) (*model.Client, error)
	CreateClient(ctx context.Context, transportID string) (*model.Client, error)
	SetClientFailureCount(ctx context.Context, clientID string, count uint8) error
	// AllocateNotificationIndex returns the next free index for the client
	// and advances NextNotificationIdx. It never decreases.
	AllocateNotificationIndex(ctx context.Context, clientID string) (uint64, error)
	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context) ([]*model.Client, error)
	DeleteAllClients(ctx context.Context) error

	// Subscriptions.
	FindSubscription(ctx context.Context, clientID string, streamType model.StreamType) (*model.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	ListSubscriptionsByClient(ctx context.Context, clientID string) ([]*model.Subscription, error)
	ListSubscriptionsByStreamType(ctx context.Context, streamType model.StreamType) ([]*model.Subscription, error)

	// Notifications.
	AppendNotification(ctx context.Context, n *model.Notification) error
	ListNotificationsByClient(ctx context.Context, clientID string) ([]*model.Notification, error)
	ListNotificationsBySubscription(ctx context.Context, subscriptionID string) ([]*model.Notification, error)
	DeleteNotification(ctx context.Context, clientID string, index uint64) error
	DeleteNotificationsBySubscription(ctx context.Context, subscriptionID string) error

	Commit() error
	Rollback() error
}
