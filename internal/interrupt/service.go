package interrupt

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/metrics"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/telemetry"
)

// Options configures a Service.
type Options struct {
	// Table is the focus compatibility table; nil uses DefaultFocusTable.
	Table *FocusTable
	// DuckVolume is the ceiling applied to a ducked stream.
	DuckVolume float32
	// QueueSize is the capacity of each listener's event queue.
	QueueSize int
	// Volumes applies duck gains; nil keeps them in a private VolumeTable.
	Volumes   VolumeController
	Telemetry telemetry.Reporter
}

// OptionsFromConfig maps the interrupt section of cfg. Configured focus
// rules replace the default table.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := Options{DuckVolume: cfg.DuckVolume, QueueSize: cfg.ListenerQueueSize}
	if len(cfg.FocusRules) > 0 {
		table, err := FocusTableFromRules(cfg.FocusRules)
		if err != nil {
			return Options{}, err
		}
		opts.Table = table
	}
	return opts, nil
}

// Service is the interrupt arbiter. Zone mutations and event queueing happen
// under one lock; callbacks run on the dispatcher's goroutines.
type Service struct {
	mu         sync.Mutex
	table      *FocusTable
	duckVolume float32
	volumes    VolumeController
	telemetry  telemetry.Reporter
	zones      map[int32]*zone
	pidZone    map[int32]int32

	dispatch *dispatcher
	logger   *logging.ComponentLogger
}

func NewService(opts Options) *Service {
	if opts.Table == nil {
		opts.Table = DefaultFocusTable()
	}
	if opts.DuckVolume <= 0 || opts.DuckVolume > 1 {
		opts.DuckVolume = 0.2
	}
	if opts.Volumes == nil {
		opts.Volumes = NewVolumeTable()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	logger := logging.NewComponentLogger(*logging.GetDefaultLogger(), logging.ComponentInterrupt)
	s := &Service{
		table:      opts.Table,
		duckVolume: opts.DuckVolume,
		volumes:    opts.Volumes,
		telemetry:  opts.Telemetry,
		zones:      make(map[int32]*zone),
		pidZone:    make(map[int32]int32),
		dispatch:   newDispatcher(opts.QueueSize, logger),
		logger:     logger,
	}
	s.zones[DefaultZoneID] = newZone(DefaultZoneID)
	return s
}

// SetVolumeController replaces the volume sink used for ducking.
func (s *Service) SetVolumeController(vc VolumeController) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vc != nil {
		s.volumes = vc
	}
}

// Close stops event delivery.
func (s *Service) Close() {
	s.dispatch.close()
}

func (s *Service) zoneLocked(zoneID int32) (*zone, error) {
	if z, ok := s.zones[zoneID]; ok {
		return z, nil
	}
	if zoneID == DefaultZoneID {
		z := newZone(DefaultZoneID)
		s.zones[DefaultZoneID] = z
		return z, nil
	}
	return nil, fmt.Errorf("%w: zone %d", ErrInvalidParam, zoneID)
}

func (s *Service) findLocked(sessionID uint32) (*zone, *owner, bool) {
	for _, z := range s.zones {
		if o, ok := z.get(sessionID); ok {
			return z, o, true
		}
	}
	return nil, nil, false
}

// ActivateAudioInterrupt asks for focus in zoneID. Every rule is evaluated
// before anything changes: a rejection leaves the zone untouched and returns
// ErrFocusDenied. Otherwise the request is appended to the zone and the
// affected owners are paused, ducked or stopped.
func (s *Service) ActivateAudioInterrupt(zoneID int32, ai AudioInterrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, err := s.zoneLocked(zoneID)
	if err != nil {
		return err
	}
	if cur, o, ok := s.findLocked(ai.SessionID); ok {
		if cur.id != z.id {
			return fmt.Errorf("%w: session %d holds focus in zone %d", ErrInvalidParam, ai.SessionID, cur.id)
		}
		s.logger.Logger().Debug().Uint32("session_id", ai.SessionID).Str("state", o.state.String()).Msg("interrupt already active")
		return nil
	}

	type effect struct {
		target *owner
		entry  FocusEntry
	}
	var effects []effect
	incoming := newOwner(ai)
	for _, o := range z.list() {
		entry, ok := s.table.Lookup(o.interrupt.FocusType, ai.FocusType)
		if !ok {
			continue
		}
		if entry.IsReject || (entry.ActionOn == ActionIncoming && entry.Hint == HintStop) {
			if o.audible() {
				return s.denyLocked(z, ai, o)
			}
			continue
		}
		if entry.ActionOn == ActionIncoming {
			if o.audible() && (entry.Hint == HintPause || entry.Hint == HintDuck) {
				incoming.blockers[o.id()] = blocker{hint: entry.Hint, force: entry.ForceType}
			}
			continue
		}
		if entry.Hint != HintNone {
			effects = append(effects, effect{target: o, entry: entry})
		}
	}

	z.add(incoming)
	incoming.state = StateActive
	incoming.everActive = len(incoming.blockers) == 0

	for _, ef := range effects {
		o := ef.target
		if _, still := z.get(o.id()); !still {
			continue
		}
		if ef.entry.Hint == HintStop {
			s.stopLocked(z, o, ef.entry.ForceType, ai.SessionID)
			continue
		}
		o.blockers[ai.SessionID] = blocker{hint: ef.entry.Hint, force: ef.entry.ForceType}
		s.transitionLocked(z, o, ai.SessionID)
	}
	s.transitionLocked(z, incoming, 0)
	if incoming.state == StateActive || incoming.state == StateDucked {
		incoming.everActive = true
		metrics.RecordFocus(metrics.FocusGranted)
	}
	s.logger.Logger().Info().
		Uint32("session_id", ai.SessionID).
		Int32("zone_id", z.id).
		Str("focus_type", ai.FocusType.String()).
		Str("state", incoming.state.String()).
		Msg("audio interrupt activated")
	return nil
}

func (s *Service) denyLocked(z *zone, ai AudioInterrupt, by *owner) error {
	metrics.RecordFocus(metrics.FocusDenied)
	s.telemetry.Report(telemetry.NewEvent(telemetry.EventFocusDenied, ai.SessionID).
		With("zone_id", strconv.Itoa(int(z.id))).
		With("focus_type", ai.FocusType.String()).
		With("blocked_by", strconv.FormatUint(uint64(by.id()), 10)))
	s.logger.Logger().Info().
		Uint32("session_id", ai.SessionID).
		Uint32("blocked_by", by.id()).
		Str("focus_type", ai.FocusType.String()).
		Msg("audio focus denied")
	return fmt.Errorf("%w: session %d blocked by session %d", ErrFocusDenied, ai.SessionID, by.id())
}

// DeactivateAudioInterrupt removes the session from zoneID and resumes the
// owners it was blocking. Removing an unknown session is not an error.
func (s *Service) DeactivateAudioInterrupt(zoneID int32, ai AudioInterrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, err := s.zoneLocked(zoneID)
	if err != nil {
		return err
	}
	o, ok := z.get(ai.SessionID)
	if !ok {
		s.logger.Logger().Debug().Uint32("session_id", ai.SessionID).Int32("zone_id", zoneID).Msg("deactivate of unknown session ignored")
		return nil
	}
	s.removeLocked(z, o)
	s.logger.Logger().Info().Uint32("session_id", ai.SessionID).Int32("zone_id", zoneID).Msg("audio interrupt deactivated")
	return nil
}

// RemoveSession deactivates the session in whichever zone holds it and drops
// its callback.
func (s *Service) RemoveSession(sessionID uint32) {
	s.mu.Lock()
	if z, o, ok := s.findLocked(sessionID); ok {
		s.removeLocked(z, o)
	}
	s.mu.Unlock()
	s.dispatch.unset(sessionID, uuid.Nil)
}

// removeLocked drops o from z, puts its volume back and re-evaluates the
// owners it was blocking.
func (s *Service) removeLocked(z *zone, o *owner) {
	released := z.remove(o.id())
	if o.duck.ducked {
		o.duck.unduck(s.volumes, o.id())
	}
	o.state = StateStopped
	s.reevaluateLocked(z, released, o.id())
}

func (s *Service) stopLocked(z *zone, o *owner, force ForceType, cause uint32) {
	s.emitLocked(o, EventBegin, HintStop, force, 0, cause)
	metrics.RecordFocus(metrics.FocusStopped)
	s.removeLocked(z, o)
}

// reevaluateLocked settles owners whose blockers changed. An owner that
// would become less restricted is first re-checked against the audible
// owners: resuming never pauses or stops anyone, so a conflict keeps it
// blocked by that owner instead.
func (s *Service) reevaluateLocked(z *zone, owners []*owner, cause uint32) {
	for _, o := range owners {
		if _, ok := z.get(o.id()); !ok {
			continue
		}
		if o.effectiveState().severity() < o.state.severity() {
			s.recheckLocked(z, o)
		}
		s.transitionLocked(z, o, cause)
	}
}

func (s *Service) recheckLocked(z *zone, o *owner) {
	for _, other := range z.list() {
		if other == o || !other.audible() {
			continue
		}
		entry, ok := s.table.Lookup(other.interrupt.FocusType, o.interrupt.FocusType)
		if !ok {
			continue
		}
		switch {
		case entry.IsReject, entry.Hint == HintPause, entry.Hint == HintStop:
			o.blockers[other.id()] = blocker{hint: HintPause, force: entry.ForceType}
		case entry.ActionOn == ActionIncoming && entry.Hint == HintDuck:
			o.blockers[other.id()] = blocker{hint: HintDuck, force: entry.ForceType}
		}
	}
}

// transitionLocked moves o to the state its blockers imply and queues the
// events describing the change.
func (s *Service) transitionLocked(z *zone, o *owner, cause uint32) {
	prev, next := o.state, o.effectiveState()
	duckForce := o.strongestForce(HintDuck)
	// A share duck only informs the app; a later force duck still applies.
	needDuck := next == StateDucked && (!o.duck.ducked || (!o.duck.applied && duckForce == ForceForce))
	if prev == next && !needDuck {
		return
	}
	o.state = next
	if prev != next {
		s.logger.LogStateTransition(o.id(), prev.String(), next.String())
	}
	switch {
	case !prev.silenced() && next.silenced():
		o.pauseForce = o.strongestForce(HintPause)
		s.emitLocked(o, EventBegin, HintPause, o.pauseForce, 0, cause)
		if next == StatePending {
			metrics.RecordFocus(metrics.FocusPending)
		} else {
			metrics.RecordFocus(metrics.FocusPaused)
		}
	case prev.silenced() && !next.silenced():
		o.everActive = true
		s.emitLocked(o, EventEnd, HintResume, resumeForce(o.pauseForce), 0, cause)
		metrics.RecordFocus(metrics.FocusResumed)
	}
	if next.silenced() {
		return
	}
	switch {
	case needDuck:
		vol := o.duck.duck(s.volumes, o.id(), s.duckVolume, duckForce == ForceForce)
		s.emitLocked(o, EventBegin, HintDuck, duckForce, vol, cause)
		metrics.RecordFocus(metrics.FocusDucked)
	case next == StateActive && o.duck.ducked:
		vol, _ := o.duck.unduck(s.volumes, o.id())
		s.emitLocked(o, EventEnd, HintUnduck, ForceForce, vol, cause)
	}
}

// resumeForce maps the force type of the pause being lifted to the one the
// resume is delivered with. A policy-forced pause was silent to the app's
// own state machine, so the app performs the resume: FORCE becomes SHARE.
func resumeForce(paused ForceType) ForceType {
	if paused == ForceForce {
		return ForceShare
	}
	return paused
}

func (s *Service) emitLocked(o *owner, typ EventType, hint Hint, force ForceType, vol float32, cause uint32) {
	s.dispatch.post(InterruptEvent{
		SessionID:  o.id(),
		ZoneID:     o.interrupt.ZoneID,
		Type:       typ,
		ForceType:  force,
		Hint:       hint,
		DuckVolume: vol,
		CausedBy:   cause,
	})
}

// SetAudioInterruptCallback registers cb for a session, replacing any earlier
// registration. The returned handle identifies this registration.
func (s *Service) SetAudioInterruptCallback(sessionID uint32, cb Callback) (uuid.UUID, error) {
	if cb == nil {
		return uuid.Nil, fmt.Errorf("%w: nil callback", ErrInvalidParam)
	}
	id := s.dispatch.set(sessionID, cb)
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: service closed", ErrInvalidParam)
	}
	return id, nil
}

// UnsetAudioInterruptCallback removes a session's callback. With a non-nil
// handle only that registration is removed.
func (s *Service) UnsetAudioInterruptCallback(sessionID uint32, handle uuid.UUID) bool {
	return s.dispatch.unset(sessionID, handle)
}

// Subscribe registers an observer of every interrupt event.
func (s *Service) Subscribe(cb Callback) uuid.UUID { return s.dispatch.subscribe(cb) }

func (s *Service) Unsubscribe(id uuid.UUID) bool { return s.dispatch.unsubscribe(id) }

// CreateAudioInterruptZone creates a zone and moves pids, with their current
// focus entries, into it.
func (s *Service) CreateAudioInterruptZone(zoneID int32, pids []int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if zoneID <= DefaultZoneID {
		return fmt.Errorf("%w: zone id %d", ErrInvalidParam, zoneID)
	}
	if _, ok := s.zones[zoneID]; ok {
		return fmt.Errorf("%w: zone %d exists", ErrInvalidParam, zoneID)
	}
	s.zones[zoneID] = newZone(zoneID)
	s.addPidsLocked(s.zones[zoneID], pids)
	s.logger.Logger().Info().Int32("zone_id", zoneID).Ints32("pids", pids).Msg("interrupt zone created")
	return nil
}

// ReleaseAudioInterruptZone removes a zone. Its entries move to the default
// zone in their original order.
func (s *Service) ReleaseAudioInterruptZone(zoneID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if zoneID == DefaultZoneID {
		return fmt.Errorf("%w: default zone cannot be released", ErrInvalidParam)
	}
	z, ok := s.zones[zoneID]
	if !ok {
		return fmt.Errorf("%w: zone %d", ErrInvalidParam, zoneID)
	}
	def, _ := s.zoneLocked(DefaultZoneID)
	s.moveLocked(z, def, func(*owner) bool { return true })
	for pid := range z.pids {
		delete(s.pidZone, pid)
	}
	delete(s.zones, zoneID)
	s.logger.Logger().Info().Int32("zone_id", zoneID).Msg("interrupt zone released")
	return nil
}

// AddAudioInterruptZonePids moves pids into an existing zone.
func (s *Service) AddAudioInterruptZonePids(zoneID int32, pids []int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, err := s.zoneLocked(zoneID)
	if err != nil {
		return err
	}
	s.addPidsLocked(z, pids)
	return nil
}

// RemoveAudioInterruptZonePids returns pids of a zone to the default zone.
func (s *Service) RemoveAudioInterruptZonePids(zoneID int32, pids []int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneID]
	if !ok || zoneID == DefaultZoneID {
		return fmt.Errorf("%w: zone %d", ErrInvalidParam, zoneID)
	}
	def, _ := s.zoneLocked(DefaultZoneID)
	var moving []int32
	for _, pid := range pids {
		if _, ok := z.pids[pid]; ok {
			delete(z.pids, pid)
			delete(s.pidZone, pid)
			moving = append(moving, pid)
		}
	}
	s.moveLocked(z, def, func(o *owner) bool { return slices.Contains(moving, o.interrupt.Pid) })
	return nil
}

func (s *Service) addPidsLocked(z *zone, pids []int32) {
	for _, pid := range pids {
		from := s.zones[s.zoneOfLocked(pid)]
		if from != nil && from != z {
			delete(from.pids, pid)
			s.moveLocked(from, z, func(o *owner) bool { return o.interrupt.Pid == pid })
		}
		if z.id == DefaultZoneID {
			delete(s.pidZone, pid)
			continue
		}
		z.pids[pid] = struct{}{}
		s.pidZone[pid] = z.id
	}
}

// moveLocked transfers the owners matching pred from one zone to another,
// appending them in order. Blockers never span zones, so links across the
// boundary are dropped and both sides re-evaluated.
func (s *Service) moveLocked(from, to *zone, pred func(*owner) bool) {
	var moved []*owner
	for _, o := range from.list() {
		if pred(o) {
			moved = append(moved, o)
		}
	}
	if len(moved) == 0 {
		return
	}
	movedIDs := make(map[uint32]struct{}, len(moved))
	for _, o := range moved {
		movedIDs[o.id()] = struct{}{}
	}
	var released []*owner
	for _, o := range moved {
		released = append(released, from.remove(o.id())...)
	}
	for _, o := range moved {
		for id := range o.blockers {
			if _, ok := movedIDs[id]; !ok {
				delete(o.blockers, id)
			}
		}
		to.add(o)
	}
	s.reevaluateLocked(from, released, 0)
	s.reevaluateLocked(to, moved, 0)
}

// ZoneOf returns the zone pid belongs to.
func (s *Service) ZoneOf(pid int32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoneOfLocked(pid)
}

func (s *Service) zoneOfLocked(pid int32) int32 {
	if id, ok := s.pidZone[pid]; ok {
		return id
	}
	return DefaultZoneID
}

// GetAudioFocusInfoList returns the owners of a zone in arrival order.
func (s *Service) GetAudioFocusInfoList(zoneID int32) ([]FocusInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, err := s.zoneLocked(zoneID)
	if err != nil {
		return nil, err
	}
	owners := z.list()
	out := make([]FocusInfo, 0, len(owners))
	for _, o := range owners {
		out = append(out, FocusInfo{Interrupt: o.interrupt, State: o.state})
	}
	return out, nil
}

// SessionState returns the focus state of a session and the zone holding it.
func (s *Service) SessionState(sessionID uint32) (FocusState, int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, o, ok := s.findLocked(sessionID)
	if !ok {
		return StateStopped, 0, false
	}
	return o.state, z.id, true
}

// Zones lists zone ids in ascending order.
func (s *Service) Zones() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int32, 0, len(s.zones))
	for id := range s.zones {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
