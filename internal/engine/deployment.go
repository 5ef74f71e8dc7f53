package engine

import (
	"context"
	"errors"
	"time"

	"trustgraph/notifyd/internal/codec"
	"trustgraph/notifyd/internal/logging"
	"trustgraph/notifyd/internal/model"
	"trustgraph/notifyd/internal/transport"
)

// scheduleDeployment idempotently arms a one-shot timer at ProcessDelay;
// a run already queued is not re-enqueued. Callers invoke it only after
// releasing coreMu, so timerMu is never taken while coreMu is held.
func (c *Core) scheduleDeployment() {
	if c.stopping.Load() {
		return
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.cfg.ProcessDelay, c.runDeploymentOnTimer)
}

func (c *Core) runDeploymentOnTimer() {
	c.timerMu.Lock()
	c.timer = nil
	c.timerMu.Unlock()

	if c.stopping.Load() || !c.started.Load() {
		return
	}

	c.runWG.Add(1)
	defer c.runWG.Done()
	c.runDeployment(c.runCtx)
}

// runDeployment is the ticker-scheduled worker body. It does
// not hold the producer lock — notifications are self-contained byte
// buffers — only coreMu, and only while touching the repository, never
// while blocked in a transport call.
func (c *Core) runDeployment(ctx context.Context) {
	delivered, failed := 0, 0
	defer func() {
		if c.hooks.OnDeploymentRun != nil {
			c.hooks.OnDeploymentRun(delivered, failed)
		}
	}()

	clients, err := c.listClients(ctx)
	if err != nil {
		c.log.Error("deployment: list clients failed", logging.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, f, cancelled := c.deliverClient(ctx, client)
		delivered += d
		failed += f
		if cancelled {
			return
		}
	}
}

func (c *Core) listClients(ctx context.Context) ([]*model.Client, error) {
	c.coreMu.Lock()
	defer c.coreMu.Unlock()
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ListClients(ctx)
}

// deliverClient flushes one client's queue in index order, returning the
// number of notifications delivered and failed, and whether the run was
// cancelled mid-flight, running the failure state machine below.
func (c *Core) deliverClient(ctx context.Context, client *model.Client) (delivered, failed int, cancelled bool) {
	for {
		select {
		case <-ctx.Done():
			return delivered, failed, true
		default:
		}

		n, ok, err := c.nextNotification(ctx, client.ID)
		if err != nil {
			c.log.Error("deployment: read next notification failed", logging.String("client_id", client.ID), logging.Error(err))
			return delivered, failed, false
		}
		if !ok {
			return delivered, failed, false
		}

		sendErr := c.dispatch(ctx, client.TransportID, n)
		switch {
		case sendErr == nil:
			if err := c.commitDelivered(ctx, client.ID, n.Index); err != nil {
				c.log.Error("deployment: commit delivered failed", logging.Error(err))
				return delivered, failed, false
			}
			delivered++
			if client.FailureCount > 0 {
				client.FailureCount = 0
				if err := c.resetFailureCount(ctx, client.ID); err != nil {
					c.log.Error("deployment: reset failure count failed", logging.Error(err))
				}
			}

		case transport.Cancelled(sendErr):
			// Roll back in-flight work without counting a failure; exit
			// the per-client loop and the overall run.
			return delivered, failed, true

		case transport.Disconnected(sendErr):
			failed++
			client.FailureCount++
			if err := c.recordFailureAndRemove(ctx, client); err != nil {
				c.log.Error("deployment: remove disconnected client failed", logging.Error(err))
			}
			return delivered, failed, false

		default:
			// ClientError or BugError: increment failure_count, commit that
			// increment alone, break out of this client's loop.
			failed++
			client.FailureCount++
			if client.FailureCount >= c.cfg.DisconnectAfterFailures {
				if err := c.recordFailureAndRemove(ctx, client); err != nil {
					c.log.Error("deployment: remove client after failure budget failed", logging.Error(err))
				}
			} else {
				if err := c.recordFailure(ctx, client); err != nil {
					c.log.Error("deployment: record failure failed", logging.Error(err))
				}
				c.scheduleDeployment()
			}
			return delivered, failed, false
		}
	}
}

// nextNotification reads (but does not delete) the lowest-index pending
// notification for clientID.
func (c *Core) nextNotification(ctx context.Context, clientID string) (*model.Notification, bool, error) {
	c.coreMu.Lock()
	defer c.coreMu.Unlock()
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	notes, err := tx.ListNotificationsByClient(ctx, clientID)
	if err != nil {
		return nil, false, err
	}
	if len(notes) == 0 {
		return nil, false, nil
	}
	return notes[0], true, nil
}

// dispatch sends one notification over the transport, translating its
// Kind into the matching Send* call.
func (c *Core) dispatch(ctx context.Context, transportID string, n *model.Notification) error {
	switch n.Kind {
	case model.KindBegin:
		return c.transport.SendBeginOrEndSynchronization(ctx, transportID, n.SubscriptionID, n.VersionID, transport.SyncBegin, n.StreamType)
	case model.KindEnd:
		return c.transport.SendBeginOrEndSynchronization(ctx, transportID, n.SubscriptionID, n.VersionID, transport.SyncEnd, n.StreamType)
	case model.KindChanged:
		return c.dispatchChanged(ctx, transportID, n)
	default:
		return &transport.Error{Kind: transport.KindBugError, Err: errors.New("engine: unknown notification kind")}
	}
}

func (c *Core) dispatchChanged(ctx context.Context, transportID string, n *model.Notification) error {
	old, err := decodeOrBug(n.PayloadOld)
	if err != nil {
		return err
	}
	newer, err := decodeOrBug(n.PayloadNew)
	if err != nil {
		return err
	}
	switch n.StreamType {
	case model.StreamIdentity:
		return c.transport.SendIdentityChanged(ctx, transportID, asIdentity(old), asIdentity(newer))
	case model.StreamTrust:
		return c.transport.SendTrustChanged(ctx, transportID, asTrust(old), asTrust(newer))
	case model.StreamScore:
		return c.transport.SendScoreChanged(ctx, transportID, asScore(old), asScore(newer))
	default:
		return &transport.Error{Kind: transport.KindBugError, Err: errors.New("engine: unknown stream type")}
	}
}

// commitDelivered deletes a successfully delivered notification as a
// single committed unit.
func (c *Core) commitDelivered(ctx context.Context, clientID string, index uint64) error {
	c.coreMu.Lock()
	defer c.coreMu.Unlock()
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.DeleteNotification(ctx, clientID, index); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Core) resetFailureCount(ctx context.Context, clientID string) error {
	c.coreMu.Lock()
	defer c.coreMu.Unlock()
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.SetClientFailureCount(ctx, clientID, 0); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Core) recordFailure(ctx context.Context, client *model.Client) error {
	c.coreMu.Lock()
	defer c.coreMu.Unlock()
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.SetClientFailureCount(ctx, client.ID, client.FailureCount); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if c.hooks.OnFailureRecorded != nil {
		c.hooks.OnFailureRecorded(client.ID, client.FailureCount)
	}
	return nil
}

// recordFailureAndRemove deletes the client together with its
// subscriptions and queued notifications in one transaction, then makes a
// best-effort attempt to notify the transport of each removed
// subscription. The incremented failure count is not written first, since
// the client row it would update is deleted in the same transaction.
func (c *Core) recordFailureAndRemove(ctx context.Context, client *model.Client) error {
	c.coreMu.Lock()
	subs, err := func() ([]*model.Subscription, error) {
		tx, err := c.repo.BeginTx(ctx)
		if err != nil {
			return nil, err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()
		subs, err := tx.ListSubscriptionsByClient(ctx, client.ID)
		if err != nil {
			return nil, err
		}
		if err := tx.DeleteClient(ctx, client.ID); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		committed = true
		return subs, nil
	}()
	c.coreMu.Unlock()
	if err != nil {
		return err
	}

	if c.hooks.OnClientRemoved != nil {
		c.hooks.OnClientRemoved(client.ID)
	}

	bestEffortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range subs {
		_ = c.transport.SendUnsubscribed(bestEffortCtx, client.TransportID, sub.StreamType, sub.ID)
	}
	return nil
}

func decodeOrBug(buf []byte) (model.Entity, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	e, err := codec.DecodeEntity(buf)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindBugError, Err: err}
	}
	return e, nil
}

func asIdentity(e model.Entity) *model.Identity {
	if e == nil {
		return nil
	}
	v, _ := e.(*model.Identity)
	return v
}

func asTrust(e model.Entity) *model.Trust {
	if e == nil {
		return nil
	}
	v, _ := e.(*model.Trust)
	return v
}

func asScore(e model.Entity) *model.Score {
	if e == nil {
		return nil
	}
	v, _ := e.(*model.Score)
	return v
}
