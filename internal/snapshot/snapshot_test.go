package snapshot

import (
	"context"
	"testing"

	"trustgraph/notifyd/internal/codec"
	"trustgraph/notifyd/internal/model"
	"trustgraph/notifyd/internal/producer"
	"trustgraph/notifyd/internal/repository"
)

func openRepo(t *testing.T) *repository.SQLiteRepository {
	t.Helper()
	repo, err := repository.Open(":memory:")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
	return repo
}

func TestBuildEmitsBeginChangedEnd(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	store := producer.NewStore()
	store.PutIdentity(&model.Identity{IdentityID: "a", DisplayName: "Ada"})
	store.PutIdentity(&model.Identity{IdentityID: "b", DisplayName: "Bob"})

	tx, err := repo.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	client, err := tx.CreateClient(ctx, "transport-1")
	if err != nil {
		t.Fatalf("CreateClient returned error: %v", err)
	}
	if err := Build(ctx, tx, store, client.ID, "sub-1", model.StreamIdentity, 256); err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	tx, err = repo.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	defer tx.Rollback()
	notes, err := tx.ListNotificationsByClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("ListNotificationsByClient returned error: %v", err)
	}
	if len(notes) != 4 {
		t.Fatalf("expected Begin + 2 Changed + End = 4 notifications, got %d", len(notes))
	}
	if notes[0].Kind != model.KindBegin {
		t.Fatalf("expected first notification to be Begin, got %v", notes[0].Kind)
	}
	if notes[3].Kind != model.KindEnd {
		t.Fatalf("expected last notification to be End, got %v", notes[3].Kind)
	}
	version := notes[0].VersionID
	if version == "" {
		t.Fatalf("expected Begin to carry a version id")
	}
	if notes[3].VersionID != version {
		t.Fatalf("expected End version id %q to match Begin, got %q", version, notes[3].VersionID)
	}
	for _, n := range notes[1:3] {
		if n.Kind != model.KindChanged {
			t.Fatalf("expected middle notifications to be Changed, got %v", n.Kind)
		}
		if n.PayloadOld != nil {
			t.Fatalf("expected nil old payload in a fresh snapshot")
		}
		entity, err := codec.DecodeEntity(n.PayloadNew)
		if err != nil {
			t.Fatalf("DecodeEntity returned error: %v", err)
		}
		identity, ok := entity.(*model.Identity)
		if !ok {
			t.Fatalf("expected *model.Identity, got %T", entity)
		}
		if identity.VersionID() != version {
			t.Fatalf("expected snapshot entity to carry version id %q, got %q", version, identity.VersionID())
		}
	}
	for i, n := range notes {
		if n.Index != uint64(i) {
			t.Fatalf("expected contiguous indices, got %d at position %d", n.Index, i)
		}
	}
}

func TestBuildHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := openRepo(t)
	store := producer.NewStore()
	for i := 0; i < 10; i++ {
		store.PutIdentity(&model.Identity{IdentityID: string(rune('a' + i))})
	}

	tx, err := repo.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	client, err := tx.CreateClient(context.Background(), "transport-cancel")
	if err != nil {
		t.Fatalf("CreateClient returned error: %v", err)
	}
	cancel()
	err = Build(ctx, tx, store, client.ID, "sub-cancel", model.StreamIdentity, 1)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
}
