package location

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/whereami/internal/extract"
)

// Transition is a change of the current location. Location is nil when the
// client is not in a resolvable world.
type Transition struct {
	Seq      uint64
	Location *Location
}

// State is the authoritative current location. Apply must only be called by
// a single writer; any number of goroutines may call Current.
type State struct {
	policy JoinPolicy

	mu      sync.RWMutex
	current *Location
	last    time.Time // latest observation time applied
	seq     uint64

	applying atomic.Bool
}

// NewState returns a State with no location.
func NewState(policy JoinPolicy) *State {
	return &State{policy: policy}
}

// Current returns a copy of the current location, or nil.
func (s *State) Current() *Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Seq returns the sequence number of the last transition.
func (s *State) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Apply folds an event into the state. It returns a transition only when the
// resulting snapshot differs from the current one.
func (s *State) Apply(ev extract.Event) (Transition, bool) {
	if !s.applying.CompareAndSwap(false, true) {
		panic("location: concurrent Apply; State has a single writer")
	}
	defer s.applying.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	at := ev.At()
	if at.Before(s.last) {
		at = s.last
	}
	s.last = at

	next := s.next(ev, at)
	if next.sameAs(s.current) {
		return Transition{}, false
	}

	s.current = next
	s.seq++
	return Transition{Seq: s.seq, Location: next.Clone()}, true
}

// next computes the snapshot that results from ev without mutating s.
func (s *State) next(ev extract.Event, at time.Time) *Location {
	cur := s.current

	switch e := ev.(type) {
	case extract.WorldEntered:
		loc := &Location{
			WorldID:       e.WorldID,
			InstanceID:    e.InstanceID,
			Region:        e.Region,
			Access:        e.Access,
			WorldImageURL: e.RawURL,
			EnteredAt:     at,
		}
		if cur != nil && cur.WorldID == e.WorldID {
			// Same world: keep resolved metadata.
			loc.WorldName = cur.WorldName
			loc.AuthorName = cur.AuthorName
			if loc.WorldImageURL == "" {
				loc.WorldImageURL = cur.WorldImageURL
			}
			if cur.InstanceID == e.InstanceID {
				loc.EnteredAt = cur.EnteredAt
				if loc.Access == extract.AccessUnknown {
					loc.Access = cur.Access
				}
			}
		}
		loc.JoinURL = s.policy.joinURL(loc)
		return loc

	case extract.InstanceJoined:
		if cur == nil || cur.InstanceID != e.InstanceID {
			return cur
		}
		loc := cur.Clone()
		loc.Access = e.Access
		loc.JoinURL = s.policy.joinURL(loc)
		return loc

	case extract.WorldLeft:
		return nil

	case extract.WorldResolved:
		if cur == nil || cur.WorldID != e.WorldID {
			return cur
		}
		loc := cur.Clone()
		loc.WorldName = e.Name
		loc.AuthorName = e.AuthorName
		if loc.WorldImageURL == "" {
			loc.WorldImageURL = e.ImageURL
		}
		return loc
	}

	return cur
}
