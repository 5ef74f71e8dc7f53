// Package snapshot builds the Begin/Changed*/End notification burst that
// brings a newly created subscription up to date. It runs
// entirely under the caller's producer lock and open transaction, and
// supports cooperative cancellation for very large entity sets.
package snapshot

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"trustgraph/notifyd/internal/codec"
	"trustgraph/notifyd/internal/model"
	"trustgraph/notifyd/internal/repository"
)

// ErrCancelled is returned when ctx is cancelled mid-build; the caller
// must roll back its transaction on receiving it.
var ErrCancelled = fmt.Errorf("snapshot: cancelled")

// Reader is the slice of producer.Reader the builder needs: the three
// ListAll* accessors for a single stream type.
type Reader interface {
	ListAllIdentities() []*model.Identity
	ListAllTrusts() []*model.Trust
	ListAllScores() []*model.Score
}

// Build appends Begin(v), one Changed(nil, clone[v]) per current entity of
// streamType, and End(v) to the client's queue inside tx, allocating a
// fresh index for each. It must be called while the caller already holds
// the producer lock (so the listed entities and subsequently emitted
// change events cannot interleave) and the core lock.
//
// ctx is checked before Begin, before every entity, once more after every
// pageSize entities, and before End; a cancelled ctx makes Build return
// ErrCancelled at the next of these checks.
func Build(ctx context.Context, tx repository.Tx, reader Reader, clientID, subscriptionID string, streamType model.StreamType, pageSize int) error {
	if pageSize <= 0 {
		pageSize = 1
	}
	versionID := uuid.NewString()

	if err := checkCancelled(ctx); err != nil {
		return err
	}
	beginIdx, err := tx.AllocateNotificationIndex(ctx, clientID)
	if err != nil {
		return fmt.Errorf("snapshot: allocate begin index: %w", err)
	}
	if err := tx.AppendNotification(ctx, &model.Notification{
		ClientID:       clientID,
		SubscriptionID: subscriptionID,
		StreamType:     streamType,
		Index:          beginIdx,
		Kind:           model.KindBegin,
		VersionID:      versionID,
	}); err != nil {
		return fmt.Errorf("snapshot: append begin: %w", err)
	}

	count := 0
	appendChanged := func(e model.Entity) error {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		clone := e.Clone()
		clone.SetVersionID(versionID)
		buf, err := codec.EncodeEntity(clone)
		if err != nil {
			return fmt.Errorf("snapshot: encode entity %s: %w", clone.ID(), err)
		}
		idx, err := tx.AllocateNotificationIndex(ctx, clientID)
		if err != nil {
			return fmt.Errorf("snapshot: allocate index: %w", err)
		}
		if err := tx.AppendNotification(ctx, &model.Notification{
			ClientID:       clientID,
			SubscriptionID: subscriptionID,
			StreamType:     streamType,
			Index:          idx,
			Kind:           model.KindChanged,
			PayloadNew:     buf,
		}); err != nil {
			return fmt.Errorf("snapshot: append changed: %w", err)
		}
		count++
		if count%pageSize == 0 {
			return checkCancelled(ctx)
		}
		return nil
	}

	switch streamType {
	case model.StreamIdentity:
		for _, e := range reader.ListAllIdentities() {
			if err := appendChanged(e); err != nil {
				return err
			}
		}
	case model.StreamTrust:
		for _, e := range reader.ListAllTrusts() {
			if err := appendChanged(e); err != nil {
				return err
			}
		}
	case model.StreamScore:
		for _, e := range reader.ListAllScores() {
			if err := appendChanged(e); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("snapshot: unsupported stream type %v", streamType)
	}

	if err := checkCancelled(ctx); err != nil {
		return err
	}
	endIdx, err := tx.AllocateNotificationIndex(ctx, clientID)
	if err != nil {
		return fmt.Errorf("snapshot: allocate end index: %w", err)
	}
	return tx.AppendNotification(ctx, &model.Notification{
		ClientID:       clientID,
		SubscriptionID: subscriptionID,
		StreamType:     streamType,
		Index:          endIdx,
		Kind:           model.KindEnd,
		VersionID:      versionID,
	})
}

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}
