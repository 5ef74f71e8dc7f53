package engine

import (
	"context"
	"fmt"

	"trustgraph/notifyd/internal/codec"
	"trustgraph/notifyd/internal/model"
)

// StoreIdentityChanged must be called by the producer while it holds its
// write lock. It appends a Changed notification to every
// client subscribed to the identity stream.
func (c *Core) StoreIdentityChanged(ctx context.Context, old, newer *model.Identity) error {
	oldBuf, newBuf, err := encodePair(old, newer)
	if err != nil {
		return err
	}
	return c.storeChanged(ctx, model.StreamIdentity, oldBuf, newBuf)
}

// StoreTrustChanged is the Trust-stream counterpart of StoreIdentityChanged.
func (c *Core) StoreTrustChanged(ctx context.Context, old, newer *model.Trust) error {
	oldBuf, newBuf, err := encodePair(old, newer)
	if err != nil {
		return err
	}
	return c.storeChanged(ctx, model.StreamTrust, oldBuf, newBuf)
}

// StoreScoreChanged is the Score-stream counterpart of StoreIdentityChanged.
func (c *Core) StoreScoreChanged(ctx context.Context, old, newer *model.Score) error {
	oldBuf, newBuf, err := encodePair(old, newer)
	if err != nil {
		return err
	}
	return c.storeChanged(ctx, model.StreamScore, oldBuf, newBuf)
}

// ChangeSink adapts a Core to the producer.ChangeSink interface, binding
// every call to a background context since the producer's write-lock
// critical section has no caller-supplied context to thread through.
type ChangeSink struct {
	Core *Core
}

func (s ChangeSink) StoreIdentityChanged(old, newer *model.Identity) error {
	return s.Core.StoreIdentityChanged(context.Background(), old, newer)
}

func (s ChangeSink) StoreTrustChanged(old, newer *model.Trust) error {
	return s.Core.StoreTrustChanged(context.Background(), old, newer)
}

func (s ChangeSink) StoreScoreChanged(old, newer *model.Score) error {
	return s.Core.StoreScoreChanged(context.Background(), old, newer)
}

func encodePair(old, newer model.Entity) (oldBuf, newBuf []byte, err error) {
	oldBuf, err = codec.EncodeEntity(old)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: encode old entity: %w", err)
	}
	newBuf, err = codec.EncodeEntity(newer)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: encode new entity: %w", err)
	}
	return oldBuf, newBuf, nil
}
