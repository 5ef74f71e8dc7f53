package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"trustgraph/notifyd/internal/codec"
	"trustgraph/notifyd/internal/enginetest"
	"trustgraph/notifyd/internal/model"
	"trustgraph/notifyd/internal/producer"
	"trustgraph/notifyd/internal/repository"
)

type testRig struct {
	t         *testing.T
	core      *Core
	repo      *repository.SQLiteRepository
	store     *producer.Store
	transport *enginetest.FakeTransport
}

// newTestRig wires a Core with a very short ProcessDelay so ticker-driven
// tests don't need to wait a full minute, and starts it.
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	repo, err := repository.Open(":memory:")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}

	store := producer.NewStore()
	ft := enginetest.NewFakeTransport()
	core := New(repo, store, ft, nil, Config{
		ProcessDelay:            10 * time.Millisecond,
		DisconnectAfterFailures: 5,
		SnapshotPageSize:        2,
	})
	store.SetSink(ChangeSink{Core: core})
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = core.Stop(context.Background())
	})
	return &testRig{t: t, core: core, repo: repo, store: store, transport: ft}
}

// waitUntilDelivered polls until the client has no pending notifications
// or the deadline passes.
func waitUntilDelivered(t *testing.T, core *Core, clientID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tx, err := core.repo.BeginTx(context.Background())
		if err != nil {
			t.Fatalf("BeginTx returned error: %v", err)
		}
		notes, err := tx.ListNotificationsByClient(context.Background(), clientID)
		tx.Rollback()
		if err != nil {
			t.Fatalf("ListNotificationsByClient returned error: %v", err)
		}
		if len(notes) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("client %q still had pending notifications after %s", clientID, timeout)
}

func clientIDForTransport(t *testing.T, core *Core, transportID string) string {
	t.Helper()
	tx, err := core.repo.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	defer tx.Rollback()
	client, err := tx.FindClientByTransportID(context.Background(), transportID)
	if err != nil {
		t.Fatalf("FindClientByTransportID returned error: %v", err)
	}
	return client.ID
}

// A fresh subscription delivers Begin, Changed*, End then
// drains to empty.
func TestFreshSnapshotDelivers(t *testing.T) {
	rig := newTestRig(t)
	rig.store.PutIdentity(&model.Identity{IdentityID: "a", DisplayName: "Ada"})
	rig.store.PutIdentity(&model.Identity{IdentityID: "b", DisplayName: "Bob"})

	if _, err := rig.core.Subscribe(context.Background(), "client-1", model.StreamIdentity); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	clientID := clientIDForTransport(t, rig.core, "client-1")
	waitUntilDelivered(t, rig.core, clientID, 2*time.Second)

	calls := rig.transport.Calls
	if len(calls) != 4 {
		t.Fatalf("expected 4 delivered frames (begin+2 changed+end), got %d: %+v", len(calls), calls)
	}
	if calls[0].Op != "begin_sync" || calls[3].Op != "end_sync" {
		t.Fatalf("expected begin_sync ... end_sync framing, got %+v", calls)
	}
}

// An identity change must precede the trust change that
// causally depends on it, for a client subscribed to both streams.
func TestOrderAcrossStreamTypes(t *testing.T) {
	rig := newTestRig(t)
	rig.store.PutIdentity(&model.Identity{IdentityID: "y"})

	if _, err := rig.core.Subscribe(context.Background(), "client-2", model.StreamIdentity); err != nil {
		t.Fatalf("Subscribe identity returned error: %v", err)
	}
	if _, err := rig.core.Subscribe(context.Background(), "client-2", model.StreamTrust); err != nil {
		t.Fatalf("Subscribe trust returned error: %v", err)
	}
	clientID := clientIDForTransport(t, rig.core, "client-2")
	waitUntilDelivered(t, rig.core, clientID, 2*time.Second)
	rig.transport.Calls = nil

	if err := rig.store.WithLock(func() error {
		if err := rig.core.StoreIdentityChanged(context.Background(), nil, &model.Identity{IdentityID: "x"}); err != nil {
			return err
		}
		return rig.core.StoreTrustChanged(context.Background(), nil, &model.Trust{TrustID: "t-1", FromID: "x", ToID: "y"})
	}); err != nil {
		t.Fatalf("emitting changes returned error: %v", err)
	}

	waitUntilDelivered(t, rig.core, clientID, 2*time.Second)
	calls := rig.transport.Calls
	if len(calls) != 2 {
		t.Fatalf("expected 2 delivered changes, got %d: %+v", len(calls), calls)
	}
	if calls[0].Op != "identity_changed" || calls[1].Op != "trust_changed" {
		t.Fatalf("expected identity_changed before trust_changed, got %+v", calls)
	}
}

// Repeated ClientError exhausts the failure budget,
// removing the client and best-effort notifying sendUnsubscribed.
func TestRetryThenDisconnect(t *testing.T) {
	rig := newTestRig(t)
	rig.store.PutIdentity(&model.Identity{IdentityID: "a"})

	subID, err := rig.core.Subscribe(context.Background(), "client-3", model.StreamIdentity)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	clientID := clientIDForTransport(t, rig.core, "client-3")
	waitUntilDelivered(t, rig.core, clientID, 2*time.Second)

	rig.store.PutIdentity(&model.Identity{IdentityID: "a", DisplayName: "changed"})
	clientErr := &enginetestClientError{}
	for i := 0; i < 5; i++ {
		rig.transport.ScriptError("client-3", clientErr)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tx, err := rig.repo.BeginTx(context.Background())
		if err != nil {
			t.Fatalf("BeginTx returned error: %v", err)
		}
		_, lookupErr := tx.GetClient(context.Background(), clientID)
		tx.Rollback()
		if errors.Is(lookupErr, repository.ErrNotFound) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	tx, err := rig.repo.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.GetClient(context.Background(), clientID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected client to be removed after exhausting failure budget, got %v", err)
	}
	if _, err := tx.GetSubscription(context.Background(), subID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected subscription to be removed, got %v", err)
	}

	found := false
	for _, call := range rig.transport.Unsubbed {
		if call.TransportID == "client-3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sendUnsubscribed to be attempted for the removed client's subscriptions")
	}
}

// A second subscribe for the same stream type is
// rejected and leaves the queue unchanged.
func TestDuplicateSubscriptionRejected(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.core.Subscribe(context.Background(), "client-4", model.StreamIdentity); err != nil {
		t.Fatalf("first Subscribe returned error: %v", err)
	}
	clientID := clientIDForTransport(t, rig.core, "client-4")
	waitUntilDelivered(t, rig.core, clientID, 2*time.Second)

	if _, err := rig.core.Subscribe(context.Background(), "client-4", model.StreamIdentity); !errors.Is(err, ErrSubscriptionExists) {
		t.Fatalf("expected ErrSubscriptionExists, got %v", err)
	}

	tx, err := rig.repo.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	defer tx.Rollback()
	subs, err := tx.ListSubscriptionsByClient(context.Background(), clientID)
	if err != nil {
		t.Fatalf("ListSubscriptionsByClient returned error: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected exactly 1 subscription after rejected duplicate, got %d", len(subs))
	}
}

// stop(); start() discards every client,
// subscription, and notification.
func TestRestartDiscardsAllClients(t *testing.T) {
	rig := newTestRig(t)
	rig.store.PutIdentity(&model.Identity{IdentityID: "a"})
	if _, err := rig.core.Subscribe(context.Background(), "client-6", model.StreamIdentity); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if err := rig.core.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := rig.core.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	tx, err := rig.repo.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	defer tx.Rollback()
	clients, err := tx.ListClients(context.Background())
	if err != nil {
		t.Fatalf("ListClients returned error: %v", err)
	}
	if len(clients) != 0 {
		t.Fatalf("expected zero clients after restart, got %d", len(clients))
	}
}

// DumpClientQueue returns a zstd-compressed JSON export of the client's
// pending queue that decompresses back to valid JSON of the same length
// as the queue at capture time.
func TestDumpClientQueueRoundTrips(t *testing.T) {
	rig := newTestRig(t)
	rig.store.PutIdentity(&model.Identity{IdentityID: "a"})
	rig.store.PutIdentity(&model.Identity{IdentityID: "b"})

	if _, err := rig.core.Subscribe(context.Background(), "client-7", model.StreamIdentity); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	clientID := clientIDForTransport(t, rig.core, "client-7")

	blob, err := rig.core.DumpClientQueue(context.Background(), clientID)
	if err != nil {
		t.Fatalf("DumpClientQueue returned error: %v", err)
	}
	if len(blob) == 0 {
		t.Fatalf("expected a non-empty compressed dump")
	}

	raw, err := codec.DecompressBulk(blob)
	if err != nil {
		t.Fatalf("DecompressBulk returned error: %v", err)
	}
	var notes []*model.Notification
	if err := json.Unmarshal(raw, &notes); err != nil {
		t.Fatalf("unmarshal decompressed dump: %v", err)
	}
	if len(notes) != 4 {
		t.Fatalf("expected 4 queued notifications (begin+2 changed+end), got %d", len(notes))
	}
}

type enginetestClientError struct{}

func (e *enginetestClientError) Error() string { return "client rejected notification" }
