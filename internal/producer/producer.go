// Package producer declares the trust-graph store's read surface as seen
// by the notification engine. The trust-graph store itself — identities,
// trust edges, scores, and their computation — is out of scope for this
// engine; this package only describes the interface the engine
// consumes and ships a reference in-memory implementation used by tests
// and the demo command.
package producer

import "trustgraph/notifyd/internal/model"

// Reader is the read-only surface the engine calls while materializing a
// subscription snapshot. WithLock must be held for the duration of
// a ListAll* call plus any per-entity cloning the caller performs, since
// it is what makes the resulting snapshot internally consistent.
type Reader interface {
	// WithLock runs fn while holding the producer's lock, establishing the
	// lock-order precondition "producer_lock -> core_lock -> transaction_lock"
	// documented on engine.Core. ListAll* calls made inside fn observe a
	// consistent point-in-time view.
	WithLock(fn func() error) error

	ListAllIdentities() []*model.Identity
	ListAllTrusts() []*model.Trust
	ListAllScores() []*model.Score
}
