package producer

import (
	"sort"
	"sync"

	"trustgraph/notifyd/internal/model"
)

// ChangeSink receives change notifications from the store while it holds
// its own write lock: storeXChangedNotification(old, new) calls are made
// under the producer's write lock.
type ChangeSink interface {
	StoreIdentityChanged(old, new *model.Identity) error
	StoreTrustChanged(old, new *model.Trust) error
	StoreScoreChanged(old, new *model.Score) error
}

// Store is a reference in-memory trust-graph store. It is not part of the
// engine's contract — production deployments plug in their own store
// behind Reader and ChangeSink — but it gives the demo command and the
// engine's scenario tests a real producer to drive.
type Store struct {
	mu         sync.Mutex
	identities map[string]*model.Identity
	trusts     map[string]*model.Trust
	scores     map[string]*model.Score
	sink       ChangeSink
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		identities: make(map[string]*model.Identity),
		trusts:     make(map[string]*model.Trust),
		scores:     make(map[string]*model.Score),
	}
}

// SetSink wires the engine that should be told about future mutations.
func (s *Store) SetSink(sink ChangeSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// WithLock runs fn while holding the store's write lock.
func (s *Store) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// PutIdentity inserts or replaces an identity and, if a sink is wired,
// notifies it of the change while still holding the store's lock.
func (s *Store) PutIdentity(identity *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.identities[identity.IdentityID]
	clone := identity.Clone().(*model.Identity)
	s.identities[identity.IdentityID] = clone
	if s.sink != nil {
		return s.sink.StoreIdentityChanged(cloneIdentity(old), cloneIdentity(clone))
	}
	return nil
}

// RemoveIdentity deletes an identity, notifying the sink of new == nil.
func (s *Store) RemoveIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.identities[id]
	if !ok {
		return nil
	}
	delete(s.identities, id)
	if s.sink != nil {
		return s.sink.StoreIdentityChanged(cloneIdentity(old), nil)
	}
	return nil
}

// PutTrust inserts or replaces a trust edge.
func (s *Store) PutTrust(trust *model.Trust) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.trusts[trust.TrustID]
	clone := trust.Clone().(*model.Trust)
	s.trusts[trust.TrustID] = clone
	if s.sink != nil {
		return s.sink.StoreTrustChanged(cloneTrust(old), cloneTrust(clone))
	}
	return nil
}

// PutScore inserts or replaces a score.
func (s *Store) PutScore(score *model.Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.scores[score.ScoreID]
	clone := score.Clone().(*model.Score)
	s.scores[score.ScoreID] = clone
	if s.sink != nil {
		return s.sink.StoreScoreChanged(cloneScore(old), cloneScore(clone))
	}
	return nil
}

// ListAllIdentities returns clones of every identity. Callers must already
// hold the lock via WithLock to get a consistent multi-call view.
func (s *Store) ListAllIdentities() []*model.Identity {
	out := make([]*model.Identity, 0, len(s.identities))
	for _, v := range s.identities {
		out = append(out, cloneIdentity(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out
}

// ListAllTrusts returns clones of every trust edge.
func (s *Store) ListAllTrusts() []*model.Trust {
	out := make([]*model.Trust, 0, len(s.trusts))
	for _, v := range s.trusts {
		out = append(out, cloneTrust(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrustID < out[j].TrustID })
	return out
}

// ListAllScores returns clones of every score.
func (s *Store) ListAllScores() []*model.Score {
	out := make([]*model.Score, 0, len(s.scores))
	for _, v := range s.scores {
		out = append(out, cloneScore(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScoreID < out[j].ScoreID })
	return out
}

func cloneIdentity(i *model.Identity) *model.Identity {
	if i == nil {
		return nil
	}
	return i.Clone().(*model.Identity)
}

func cloneTrust(t *model.Trust) *model.Trust {
	if t == nil {
		return nil
	}
	return t.Clone().(*model.Trust)
}

func cloneScore(s *model.Score) *model.Score {
	if s == nil {
		return nil
	}
	return s.Clone().(*model.Score)
}
