package producer

import (
	"testing"

	"trustgraph/notifyd/internal/model"
)

type recordingSink struct {
	identityCalls int
	trustCalls    int
	scoreCalls    int
	lastOld       *model.Identity
	lastNew       *model.Identity
}

func (r *recordingSink) StoreIdentityChanged(old, new *model.Identity) error {
	r.identityCalls++
	r.lastOld, r.lastNew = old, new
	return nil
}
func (r *recordingSink) StoreTrustChanged(old, new *model.Trust) error {
	r.trustCalls++
	return nil
}
func (r *recordingSink) StoreScoreChanged(old, new *model.Score) error {
	r.scoreCalls++
	return nil
}

func TestStorePutIdentityNotifiesSink(t *testing.T) {
	store := NewStore()
	sink := &recordingSink{}
	store.SetSink(sink)

	if err := store.PutIdentity(&model.Identity{IdentityID: "id-1", DisplayName: "Ada"}); err != nil {
		t.Fatalf("PutIdentity returned error: %v", err)
	}
	if sink.identityCalls != 1 {
		t.Fatalf("expected 1 identity notification, got %d", sink.identityCalls)
	}
	if sink.lastOld != nil {
		t.Fatalf("expected nil old on first insert")
	}
	if sink.lastNew == nil || sink.lastNew.IdentityID != "id-1" {
		t.Fatalf("expected new identity to be delivered to sink")
	}

	if err := store.PutIdentity(&model.Identity{IdentityID: "id-1", DisplayName: "Ada Lovelace"}); err != nil {
		t.Fatalf("PutIdentity returned error: %v", err)
	}
	if sink.identityCalls != 2 {
		t.Fatalf("expected 2 identity notifications, got %d", sink.identityCalls)
	}
	if sink.lastOld == nil || sink.lastOld.DisplayName != "Ada" {
		t.Fatalf("expected old value to carry prior display name")
	}
}

func TestListAllIdentitiesReturnsClones(t *testing.T) {
	store := NewStore()
	if err := store.PutIdentity(&model.Identity{IdentityID: "id-1"}); err != nil {
		t.Fatalf("PutIdentity returned error: %v", err)
	}
	var list []*model.Identity
	err := store.WithLock(func() error {
		list = store.ListAllIdentities()
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(list))
	}
	list[0].DisplayName = "mutated"
	var second []*model.Identity
	store.WithLock(func() error {
		second = store.ListAllIdentities()
		return nil
	})
	if second[0].DisplayName == "mutated" {
		t.Fatalf("expected ListAllIdentities to return a fresh clone, not share storage")
	}
}

func TestRemoveIdentityNotifiesWithNilNew(t *testing.T) {
	store := NewStore()
	sink := &recordingSink{}
	store.SetSink(sink)
	store.PutIdentity(&model.Identity{IdentityID: "id-2"})
	if err := store.RemoveIdentity("id-2"); err != nil {
		t.Fatalf("RemoveIdentity returned error: %v", err)
	}
	if sink.lastNew != nil {
		t.Fatalf("expected nil new on removal")
	}
}
