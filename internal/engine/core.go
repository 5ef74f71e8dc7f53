// Package engine implements the subscription/notification core: the
// event ingest surface, the snapshot-and-stream protocol, the per-client
// ordered delivery queue, and the ticker-driven deployment loop with
// cooperative cancellation. It is the heart of the system;
// everything else in this module exists to give it a producer, a
// transport, and durable storage to run against.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trustgraph/notifyd/internal/codec"
	"trustgraph/notifyd/internal/logging"
	"trustgraph/notifyd/internal/model"
	"trustgraph/notifyd/internal/producer"
	"trustgraph/notifyd/internal/repository"
	"trustgraph/notifyd/internal/snapshot"
	"trustgraph/notifyd/internal/transport"
)

// Config carries the deployment loop's tunable constants.
type Config struct {
	ProcessDelay            time.Duration
	DisconnectAfterFailures uint8
	SnapshotPageSize        int
}

// DefaultConfig returns the standard production tunables: a 60s process
// delay and a 5-failure disconnect threshold.
func DefaultConfig() Config {
	return Config{
		ProcessDelay:            60 * time.Second,
		DisconnectAfterFailures: 5,
		SnapshotPageSize:        256,
	}
}

// Core wires together the repository, producer, and transport into the
// subscription/notification engine. The zero value
// is not usable; construct with New.
//
// Lock order, globally required to prevent deadlock:
// producer_lock -> core_lock -> transaction_lock. Subscribe acquires the
// producer lock itself (via producer.Reader.WithLock) for its whole
// duration; StoreXChanged assumes the caller (the producer) already holds
// it. Both then take coreMu before opening a repository transaction.
type Core struct {
	repo      repository.Repository
	reader    producer.Reader
	transport transport.Transport
	log       *logging.Logger
	cfg       Config
	hooks     Hooks

	coreMu sync.Mutex

	timerMu sync.Mutex
	timer   *time.Timer

	started   atomic.Bool
	stopping  atomic.Bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	runWG     sync.WaitGroup
}

// Hooks lets observers (metrics, tests) see engine events without the
// core depending on them directly. Every field is optional.
type Hooks struct {
	OnDeploymentRun   func(delivered int, failed int)
	OnClientRemoved   func(clientID string)
	OnFailureRecorded func(clientID string, failureCount uint8)
}

// New constructs a Core. It does not start the deployment loop; call
// Start for that.
func New(repo repository.Repository, reader producer.Reader, tp transport.Transport, log *logging.Logger, cfg Config) *Core {
	if log == nil {
		log = logging.NewTestLogger()
	}
	if cfg.DisconnectAfterFailures == 0 {
		cfg.DisconnectAfterFailures = DefaultConfig().DisconnectAfterFailures
	}
	if cfg.ProcessDelay <= 0 {
		cfg.ProcessDelay = DefaultConfig().ProcessDelay
	}
	if cfg.SnapshotPageSize <= 0 {
		cfg.SnapshotPageSize = DefaultConfig().SnapshotPageSize
	}
	return &Core{repo: repo, reader: reader, transport: tp, log: log, cfg: cfg}
}

// Healthy reports whether the engine is currently started and accepting
// subscribe/unsubscribe/ingest calls, for wiring into an HTTP health check.
func (c *Core) Healthy() bool {
	return c.started.Load()
}

// SetHooks wires observer callbacks (metrics, tests). Call before Start.
func (c *Core) SetHooks(h Hooks) {
	c.hooks = h
}

// Start clears every persisted Client, Subscription, and Notification —
// transport handles do not survive a restart — and arms the
// ticker. Calling Start on an already-started Core is a no-op.
func (c *Core) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.stopping.Store(false)
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		c.started.Store(false)
		return fmt.Errorf("engine: start: begin tx: %w", err)
	}
	if err := tx.DeleteAllClients(ctx); err != nil {
		tx.Rollback()
		c.started.Store(false)
		return fmt.Errorf("engine: start: clear clients: %w", err)
	}
	if err := tx.Commit(); err != nil {
		c.started.Store(false)
		return fmt.Errorf("engine: start: commit: %w", err)
	}

	c.runCtx, c.cancelRun = context.WithCancel(context.Background())
	c.log.Info("engine started", logging.String("process_delay", c.cfg.ProcessDelay.String()))
	return nil
}

// Stop cancels any queued-but-not-running deployment, signals an
// in-flight deployment to cancel, and joins it, per the sequence required
// by this sequence. It tolerates a deployment starting concurrently with Stop.
func (c *Core) Stop(ctx context.Context) error {
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}
	// (a) block further scheduling.
	c.stopping.Store(true)

	// (b) cancel any queued-but-not-running deployment.
	c.timerMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerMu.Unlock()

	// (c) signal the running deployment, if any, to cancel.
	if c.cancelRun != nil {
		c.cancelRun()
	}

	// (d) join the deployment worker.
	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.Info("engine stopped")
	return nil
}

// Subscribe creates a Subscription<streamType> for transportID, running
// the snapshot builder under the producer lock, and returns the new
// subscription's id. It fails with ErrSubscriptionExists if
// the client already holds a subscription of this stream type, or
// ErrCancelled if ctx is cancelled mid-snapshot.
func (c *Core) Subscribe(ctx context.Context, transportID string, streamType model.StreamType) (string, error) {
	if !c.started.Load() {
		return "", ErrNotStarted
	}

	// Transaction plumbing runs on a context decoupled from the caller's
	// cancellation: only the snapshot builder's own checks (fed the real
	// ctx below) should observe the cancel signal, so that a cancelled
	// subscribe always leaves behind a rollback-able transaction rather
	// than a connection the driver tore down underneath us.
	dbCtx := context.WithoutCancel(ctx)

	var subscriptionID string
	lockErr := c.reader.WithLock(func() error {
		c.coreMu.Lock()
		defer c.coreMu.Unlock()

		tx, err := c.repo.BeginTx(dbCtx)
		if err != nil {
			return fmt.Errorf("engine: subscribe: begin tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		client, err := c.findOrCreateClient(dbCtx, tx, transportID)
		if err != nil {
			return err
		}

		if existing, err := tx.FindSubscription(dbCtx, client.ID, streamType); err == nil && existing != nil {
			return ErrSubscriptionExists
		} else if err != nil && err != repository.ErrNotFound {
			return fmt.Errorf("engine: subscribe: find subscription: %w", err)
		}

		sub := &model.Subscription{ID: uuid.NewString(), ClientID: client.ID, StreamType: streamType}

		if err := snapshot.Build(ctx, tx, c.reader, client.ID, sub.ID, streamType, c.cfg.SnapshotPageSize); err != nil {
			if err == snapshot.ErrCancelled {
				return ErrCancelled
			}
			return fmt.Errorf("engine: subscribe: build snapshot: %w", err)
		}

		if err := tx.CreateSubscription(dbCtx, sub); err != nil {
			return fmt.Errorf("engine: subscribe: create subscription: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("engine: subscribe: commit: %w", err)
		}
		committed = true
		subscriptionID = sub.ID
		return nil
	})
	if lockErr != nil {
		return "", lockErr
	}

	c.scheduleDeployment()
	return subscriptionID, nil
}

// Unsubscribe deletes a subscription and all its pending notifications
// within core-lock + transaction, deleting the client too if this was its
// last subscription.
func (c *Core) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	c.coreMu.Lock()
	defer c.coreMu.Unlock()

	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("engine: unsubscribe: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	sub, err := tx.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if err == repository.ErrNotFound {
			return ErrUnknownSubscription
		}
		return fmt.Errorf("engine: unsubscribe: get subscription: %w", err)
	}

	if err := tx.DeleteNotificationsBySubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("engine: unsubscribe: delete notifications: %w", err)
	}
	if err := tx.DeleteSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("engine: unsubscribe: delete subscription: %w", err)
	}

	remaining, err := tx.ListSubscriptionsByClient(ctx, sub.ClientID)
	if err != nil {
		return fmt.Errorf("engine: unsubscribe: list remaining subscriptions: %w", err)
	}
	if len(remaining) == 0 {
		if err := tx.DeleteClient(ctx, sub.ClientID); err != nil {
			return fmt.Errorf("engine: unsubscribe: delete client: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("engine: unsubscribe: commit: %w", err)
	}
	committed = true
	return nil
}

// DumpClientQueue serializes a client's full pending notification queue to
// JSON and returns it zstd-compressed, for the operational export endpoint.
// Unlike the per-notification snappy envelopes on the delivery path, this
// is a single large artifact, which is the shape codec.CompressBulk targets.
func (c *Core) DumpClientQueue(ctx context.Context, clientID string) ([]byte, error) {
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: dump client queue: begin tx: %w", err)
	}
	defer tx.Rollback()

	notes, err := tx.ListNotificationsByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("engine: dump client queue: list notifications: %w", err)
	}
	raw, err := json.Marshal(notes)
	if err != nil {
		return nil, fmt.Errorf("engine: dump client queue: marshal: %w", err)
	}
	compressed, err := codec.CompressBulk(raw)
	if err != nil {
		return nil, fmt.Errorf("engine: dump client queue: compress: %w", err)
	}
	return compressed, nil
}

// findOrCreateClient implements the findOrCreateClient path referenced by
// the find-or-create-on-first-contact policy for unknown transport ids.
func (c *Core) findOrCreateClient(ctx context.Context, tx repository.Tx, transportID string) (*model.Client, error) {
	client, err := tx.FindClientByTransportID(ctx, transportID)
	if err == nil {
		return client, nil
	}
	if err != repository.ErrNotFound {
		return nil, fmt.Errorf("engine: find client: %w", err)
	}
	client, err = tx.CreateClient(ctx, transportID)
	if err != nil {
		return nil, fmt.Errorf("engine: create client: %w", err)
	}
	return client, nil
}

// storeChanged is the shared body of StoreIdentityChanged/TrustChanged/
// ScoreChanged: append a Changed notification to every subscription of
// streamType, in the order subscriptions are iterated, preserving the
// producer's emission order per client.
func (c *Core) storeChanged(ctx context.Context, streamType model.StreamType, encodeOld, encodeNew []byte) error {
	schedule := false
	defer func() {
		// Registered before the unlock below, so it runs after coreMu is released.
		if schedule {
			c.scheduleDeployment()
		}
	}()
	c.coreMu.Lock()
	defer c.coreMu.Unlock()

	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("engine: store changed: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	subs, err := tx.ListSubscriptionsByStreamType(ctx, streamType)
	if err != nil {
		return fmt.Errorf("engine: store changed: list subscriptions: %w", err)
	}
	for _, sub := range subs {
		idx, err := tx.AllocateNotificationIndex(ctx, sub.ClientID)
		if err != nil {
			return fmt.Errorf("engine: store changed: allocate index: %w", err)
		}
		n := &model.Notification{
			ClientID:       sub.ClientID,
			SubscriptionID: sub.ID,
			StreamType:     streamType,
			Index:          idx,
			Kind:           model.KindChanged,
			PayloadOld:     encodeOld,
			PayloadNew:     encodeNew,
		}
		if err := tx.AppendNotification(ctx, n); err != nil {
			return fmt.Errorf("engine: store changed: append notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("engine: store changed: commit: %w", err)
	}
	committed = true
	schedule = len(subs) > 0
	return nil
}
