// Package enginetest provides an in-memory fake of the engine's outbound
// transport, so engine scenario tests can exercise the deployment loop and
// snapshot protocol without a real socket. Those tests use producer.Store
// as the producer and the in-memory SQLite repository for storage.
package enginetest

import (
	"context"
	"sync"

	"trustgraph/notifyd/internal/model"
	"trustgraph/notifyd/internal/transport"
)

// Call records one invocation made against the FakeTransport, for tests
// that assert on delivery order.
type Call struct {
	TransportID string
	Op          string
	StreamType  model.StreamType
}

// FakeTransport is a programmable transport.Transport. By default every
// send succeeds; tests can queue per-transport-id scripted responses to
// simulate ClientError/Disconnected/Cancelled sequences.
type FakeTransport struct {
	mu       sync.Mutex
	Calls    []Call
	scripts  map[string][]error
	Unsubbed []Call
}

// NewFakeTransport constructs an empty fake with no scripted failures.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{scripts: make(map[string][]error)}
}

// ScriptError queues err to be returned by the next N sends to
// transportID, one error per send, oldest first. An empty queue (or one
// exhausted by prior sends) means "succeed".
func (f *FakeTransport) ScriptError(transportID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[transportID] = append(f.scripts[transportID], errs...)
}

func (f *FakeTransport) nextErr(transportID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.scripts[transportID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.scripts[transportID] = queue[1:]
	return err
}

func (f *FakeTransport) record(transportID, op string, st model.StreamType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{TransportID: transportID, Op: op, StreamType: st})
}

func (f *FakeTransport) SendIdentityChanged(ctx context.Context, transportID string, old, newer *model.Identity) error {
	f.record(transportID, "identity_changed", model.StreamIdentity)
	return f.respond(ctx, transportID)
}

func (f *FakeTransport) SendTrustChanged(ctx context.Context, transportID string, old, newer *model.Trust) error {
	f.record(transportID, "trust_changed", model.StreamTrust)
	return f.respond(ctx, transportID)
}

func (f *FakeTransport) SendScoreChanged(ctx context.Context, transportID string, old, newer *model.Score) error {
	f.record(transportID, "score_changed", model.StreamScore)
	return f.respond(ctx, transportID)
}

func (f *FakeTransport) SendBeginOrEndSynchronization(ctx context.Context, transportID, subscriptionID, versionID string, kind transport.SyncKind, streamType model.StreamType) error {
	op := "begin_sync"
	if kind == transport.SyncEnd {
		op = "end_sync"
	}
	f.record(transportID, op, streamType)
	return f.respond(ctx, transportID)
}

func (f *FakeTransport) SendUnsubscribed(ctx context.Context, transportID string, streamType model.StreamType, subscriptionID string) error {
	f.mu.Lock()
	f.Unsubbed = append(f.Unsubbed, Call{TransportID: transportID, Op: "unsubscribed", StreamType: streamType})
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) respond(ctx context.Context, transportID string) error {
	select {
	case <-ctx.Done():
		return &transport.Error{Kind: transport.KindCancelled, Err: ctx.Err()}
	default:
	}
	return f.nextErr(transportID)
}
