package interrupt

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type blocker struct {
	hint  Hint
	force ForceType
}

// owner is one focus request held by a zone. blockers records, per blocking
// session, how it restricts this owner; the focus state follows from it.
type owner struct {
	interrupt  AudioInterrupt
	state      FocusState
	blockers   map[uint32]blocker
	everActive bool
	pauseForce ForceType
	duck       duckState
}

func newOwner(ai AudioInterrupt) *owner {
	return &owner{interrupt: ai, blockers: make(map[uint32]blocker)}
}

func (o *owner) id() uint32 { return o.interrupt.SessionID }

// audible reports whether the owner currently plays.
func (o *owner) audible() bool { return o.state == StateActive || o.state == StateDucked }

func (o *owner) effectiveState() FocusState {
	var paused, ducked bool
	for _, b := range o.blockers {
		switch b.hint {
		case HintPause:
			paused = true
		case HintDuck:
			ducked = true
		}
	}
	switch {
	case paused && !o.everActive:
		return StatePending
	case paused:
		return StatePaused
	case ducked:
		return StateDucked
	default:
		return StateActive
	}
}

// strongestForce returns the force type of the blockers that silence or duck
// the owner, FORCE winning over SHARE.
func (o *owner) strongestForce(hint Hint) ForceType {
	force := ForceShare
	for _, b := range o.blockers {
		if b.hint == hint && b.force == ForceForce {
			force = ForceForce
		}
	}
	return force
}

type zone struct {
	id     int32
	pids   map[int32]struct{}
	owners *orderedmap.OrderedMap[uint32, *owner]
}

func newZone(id int32) *zone {
	return &zone{
		id:     id,
		pids:   make(map[int32]struct{}),
		owners: orderedmap.New[uint32, *owner](),
	}
}

// list returns the owners oldest first.
func (z *zone) list() []*owner {
	out := make([]*owner, 0, z.owners.Len())
	for pair := z.owners.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (z *zone) get(sessionID uint32) (*owner, bool) {
	return z.owners.Get(sessionID)
}

func (z *zone) add(o *owner) {
	o.interrupt.ZoneID = z.id
	z.owners.Set(o.id(), o)
}

// remove deletes the owner and strips it from every other owner's blockers.
// The owners it was blocking are returned in zone order.
func (z *zone) remove(sessionID uint32) []*owner {
	z.owners.Delete(sessionID)
	var released []*owner
	for pair := z.owners.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := pair.Value.blockers[sessionID]; ok {
			delete(pair.Value.blockers, sessionID)
			released = append(released, pair.Value)
		}
	}
	return released
}
