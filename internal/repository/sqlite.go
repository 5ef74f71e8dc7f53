package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"trustgraph/notifyd/internal/model"
)

// Schema mirrors the engine's logical persistence model: client,
// subscription, notification tables with the unique constraints and
// per-client strictly increasing index the engine's invariants rely on.
const Schema = `
CREATE TABLE IF NOT EXISTS client (
	id TEXT PRIMARY KEY,
	transport_id TEXT NOT NULL UNIQUE,
	next_index INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscription (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL REFERENCES client(id),
	stream_type TEXT NOT NULL,
	UNIQUE (client_id, stream_type)
);

CREATE TABLE IF NOT EXISTS notification (
	client_id TEXT NOT NULL REFERENCES client(id),
	subscription_id TEXT NOT NULL REFERENCES subscription(id),
	idx INTEGER NOT NULL,
	kind TEXT NOT NULL,
	version_id TEXT,
	payload_old BLOB,
	payload_new BLOB,
	PRIMARY KEY (client_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_notification_subscription ON notification(subscription_id);
CREATE INDEX IF NOT EXISTS idx_subscription_stream_type ON subscription(stream_type);
`

// SQLiteRepository is the durable object store backed by modernc.org/sqlite
// (pure Go, no cgo), reached through database/sql.
type SQLiteRepository struct {
	db *sql.DB
}

// Open opens (and, if necessary, creates) the SQLite-backed repository at
// dsn. Callers needing a throwaway store for tests may pass ":memory:".
func Open(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	return &SQLiteRepository{db: db}, nil
}

// Migrate applies the schema idempotently.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// BeginTx opens a transactional scope.
func (r *SQLiteRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func (t *sqliteTx) FindClientByTransportID(ctx context.Context, transportID string) (*model.Client, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, transport_id, next_index, failure_count FROM client WHERE transport_id = ?`, transportID)
	return scanClient(row)
}

func (t *sqliteTx) GetClient(ctx context.Context, clientID string) (*model.Client, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, transport_id, next_index, failure_count FROM client WHERE id = ?`, clientID)
	return scanClient(row)
}

func (t *sqliteTx) CreateClient(ctx context.Context, transportID string) (*model.Client, error) {
	id := uuid.NewString()
	_, err := t.tx.ExecContext(ctx, `INSERT INTO client (id, transport_id, next_index, failure_count) VALUES (?, ?, 0, 0)`, id, transportID)
	if err != nil {
		return nil, mapUniqueConstraint(err)
	}
	return &model.Client{ID: id, TransportID: transportID}, nil
}

func (t *sqliteTx) SetClientFailureCount(ctx context.Context, clientID string, count uint8) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE client SET failure_count = ? WHERE id = ?`, count, clientID)
	if err != nil {
		return fmt.Errorf("repository: set failure count: %w", err)
	}
	return requireRowAffected(res)
}

func (t *sqliteTx) AllocateNotificationIndex(ctx context.Context, clientID string) (uint64, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT next_index FROM client WHERE id = ?`, clientID)
	var next uint64
	if err := row.Scan(&next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("repository: read next index: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE client SET next_index = next_index + 1 WHERE id = ?`, clientID)
	if err != nil {
		return 0, fmt.Errorf("repository: advance next index: %w", err)
	}
	if err := requireRowAffected(res); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *sqliteTx) DeleteClient(ctx context.Context, clientID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM notification WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("repository: cascade delete notifications: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM subscription WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("repository: cascade delete subscriptions: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM client WHERE id = ?`, clientID); err != nil {
		return fmt.Errorf("repository: delete client: %w", err)
	}
	return nil
}

func (t *sqliteTx) ListClients(ctx context.Context) ([]*model.Client, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, transport_id, next_index, failure_count FROM client`)
	if err != nil {
		return nil, fmt.Errorf("repository: list clients: %w", err)
	}
	defer rows.Close()
	var clients []*model.Client
	for rows.Next() {
		c := &model.Client{}
		var failure int
		if err := rows.Scan(&c.ID, &c.TransportID, &c.NextNotificationIdx, &failure); err != nil {
			return nil, fmt.Errorf("repository: scan client: %w", err)
		}
		c.FailureCount = uint8(failure)
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (t *sqliteTx) DeleteAllClients(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM notification`,
		`DELETE FROM subscription`,
		`DELETE FROM client`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: reset: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) FindSubscription(ctx context.Context, clientID string, streamType model.StreamType) (*model.Subscription, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, client_id, stream_type FROM subscription WHERE client_id = ? AND stream_type = ?`, clientID, streamType.String())
	return scanSubscription(row)
}

func (t *sqliteTx) GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, client_id, stream_type FROM subscription WHERE id = ?`, subscriptionID)
	return scanSubscription(row)
}

func (t *sqliteTx) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO subscription (id, client_id, stream_type) VALUES (?, ?, ?)`, sub.ID, sub.ClientID, sub.StreamType.String())
	if err != nil {
		return mapUniqueConstraint(err)
	}
	return nil
}

func (t *sqliteTx) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM notification WHERE subscription_id = ?`, subscriptionID); err != nil {
		return fmt.Errorf("repository: cascade delete notifications: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM subscription WHERE id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("repository: delete subscription: %w", err)
	}
	return requireRowAffected(res)
}

func (t *sqliteTx) ListSubscriptionsByClient(ctx context.Context, clientID string) ([]*model.Subscription, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, client_id, stream_type FROM subscription WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, fmt.Errorf("repository: list subscriptions by client: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (t *sqliteTx) ListSubscriptionsByStreamType(ctx context.Context, streamType model.StreamType) ([]*model.Subscription, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, client_id, stream_type FROM subscription WHERE stream_type = ?`, streamType.String())
	if err != nil {
		return nil, fmt.Errorf("repository: list subscriptions by stream type: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (t *sqliteTx) AppendNotification(ctx context.Context, n *model.Notification) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notification (client_id, subscription_id, idx, kind, version_id, payload_old, payload_new)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ClientID, n.SubscriptionID, n.Index, n.Kind.String(), nullableString(n.VersionID), n.PayloadOld, n.PayloadNew)
	if err != nil {
		return mapUniqueConstraint(err)
	}
	return nil
}

func (t *sqliteTx) ListNotificationsByClient(ctx context.Context, clientID string) ([]*model.Notification, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT client_id, subscription_id, idx, kind, version_id, payload_old, payload_new, sub.stream_type
		FROM notification
		JOIN subscription sub ON sub.id = notification.subscription_id
		WHERE notification.client_id = ?
		ORDER BY idx ASC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("repository: list notifications by client: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (t *sqliteTx) ListNotificationsBySubscription(ctx context.Context, subscriptionID string) ([]*model.Notification, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT client_id, subscription_id, idx, kind, version_id, payload_old, payload_new, sub.stream_type
		FROM notification
		JOIN subscription sub ON sub.id = notification.subscription_id
		WHERE notification.subscription_id = ?
		ORDER BY idx ASC`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("repository: list notifications by subscription: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (t *sqliteTx) DeleteNotification(ctx context.Context, clientID string, index uint64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM notification WHERE client_id = ? AND idx = ?`, clientID, index)
	if err != nil {
		return fmt.Errorf("repository: delete notification: %w", err)
	}
	return requireRowAffected(res)
}

func (t *sqliteTx) DeleteNotificationsBySubscription(ctx context.Context, subscriptionID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM notification WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("repository: delete notifications by subscription: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*model.Client, error) {
	c := &model.Client{}
	var failure int
	if err := row.Scan(&c.ID, &c.TransportID, &c.NextNotificationIdx, &failure); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: scan client: %w", err)
	}
	c.FailureCount = uint8(failure)
	return c, nil
}

func scanSubscription(row scanner) (*model.Subscription, error) {
	s := &model.Subscription{}
	var streamRaw string
	if err := row.Scan(&s.ID, &s.ClientID, &streamRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: scan subscription: %w", err)
	}
	streamType, ok := model.ParseStreamType(streamRaw)
	if !ok {
		return nil, fmt.Errorf("repository: unknown stream type %q", streamRaw)
	}
	s.StreamType = streamType
	return s, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanNotifications(rows *sql.Rows) ([]*model.Notification, error) {
	var notifications []*model.Notification
	for rows.Next() {
		n := &model.Notification{}
		var kindRaw, streamRaw string
		var versionID sql.NullString
		if err := rows.Scan(&n.ClientID, &n.SubscriptionID, &n.Index, &kindRaw, &versionID, &n.PayloadOld, &n.PayloadNew, &streamRaw); err != nil {
			return nil, fmt.Errorf("repository: scan notification: %w", err)
		}
		kind, ok := model.ParseNotificationKind(kindRaw)
		if !ok {
			return nil, fmt.Errorf("repository: unknown notification kind %q", kindRaw)
		}
		n.Kind = kind
		n.VersionID = versionID.String
		streamType, ok := model.ParseStreamType(streamRaw)
		if !ok {
			return nil, fmt.Errorf("repository: unknown stream type %q", streamRaw)
		}
		n.StreamType = streamType
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mapUniqueConstraint(err error) error {
	if err == nil {
		return nil
	}
	// modernc.org/sqlite surfaces SQLite's constraint violation message text
	// rather than a typed error; matching on the substring is the idiom the
	// driver's own documentation recommends for UNIQUE/PRIMARY KEY conflicts.
	if containsConstraintText(err.Error()) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return fmt.Errorf("repository: exec: %w", err)
}

func containsConstraintText(msg string) bool {
	for _, needle := range []string{"UNIQUE constraint", "PRIMARY KEY constraint", "constraint failed"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
