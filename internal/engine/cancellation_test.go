package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustgraph/notifyd/internal/enginetest"
	"trustgraph/notifyd/internal/model"
	"trustgraph/notifyd/internal/producer"
	"trustgraph/notifyd/internal/repository"
)

// A cancel signal mid-snapshot rolls back the whole
// subscribe call, leaving no Client, Subscription, or Notification behind.
func TestSubscribeCancelledMidSnapshotRollsBack(t *testing.T) {
	repo, err := repository.Open(":memory:")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer repo.Close()
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}

	store := producer.NewStore()
	for i := 0; i < 1000; i++ {
		store.PutIdentity(&model.Identity{IdentityID: randID(i)})
	}

	ft := enginetest.NewFakeTransport()
	core := New(repo, store, ft, nil, Config{ProcessDelay: time.Hour, DisconnectAfterFailures: 5, SnapshotPageSize: 1})
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer core.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := core.Subscribe(ctx, "client-cancel", model.StreamIdentity); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	tx, err := repo.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.FindClientByTransportID(context.Background(), "client-cancel"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected no client to persist after a cancelled subscribe, got %v", err)
	}
	clients, err := tx.ListClients(context.Background())
	if err != nil {
		t.Fatalf("ListClients returned error: %v", err)
	}
	if len(clients) != 0 {
		t.Fatalf("expected zero clients after rollback, got %d", len(clients))
	}
}

func randID(i int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	for j := range b {
		b[j] = alphabet[(i+j*31)%len(alphabet)]
	}
	return string(b)
}
