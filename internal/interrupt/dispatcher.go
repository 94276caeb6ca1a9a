package interrupt

import (
	"sync"

	"github.com/google/uuid"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

// Callback receives interrupt events for one session. Calls for a session
// arrive in order on a goroutine owned by the dispatcher; a callback may call
// back into the Service.
type Callback interface {
	OnInterrupt(ev InterruptEvent)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ev InterruptEvent)

func (f CallbackFunc) OnInterrupt(ev InterruptEvent) { f(ev) }

// listener owns a bounded ordered queue and the goroutine draining it.
type listener struct {
	id    uuid.UUID
	cb    Callback
	queue chan InterruptEvent
	stop  chan struct{}
	once  sync.Once
}

func newListener(cb Callback, size int, logger *zerolog.Logger) *listener {
	l := &listener{
		id:    uuid.New(),
		cb:    cb,
		queue: make(chan InterruptEvent, size),
		stop:  make(chan struct{}),
	}
	go l.run(logger)
	return l
}

func (l *listener) run(logger *zerolog.Logger) {
	for {
		select {
		case <-l.stop:
			return
		case ev := <-l.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Interface("panic", r).Uint32("session_id", ev.SessionID).Msg("interrupt callback panic recovered")
					}
				}()
				l.cb.OnInterrupt(ev)
			}()
		}
	}
}

// offer queues ev without blocking; a full queue drops it.
func (l *listener) offer(ev InterruptEvent) bool {
	select {
	case l.queue <- ev:
		return true
	default:
		return false
	}
}

func (l *listener) close() { l.once.Do(func() { close(l.stop) }) }

// dispatcher resolves the target listener when an event is posted. Events for
// sessions without a callback are dropped.
type dispatcher struct {
	mu        sync.Mutex
	size      int
	sessions  map[uint32]*listener
	observers map[uuid.UUID]*listener
	closed    bool
	logger    *logging.ComponentLogger
}

func newDispatcher(size int, logger *logging.ComponentLogger) *dispatcher {
	if size <= 0 {
		size = 64
	}
	return &dispatcher{
		size:      size,
		sessions:  make(map[uint32]*listener),
		observers: make(map[uuid.UUID]*listener),
		logger:    logger,
	}
}

func (d *dispatcher) set(sessionID uint32, cb Callback) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return uuid.Nil
	}
	if old, ok := d.sessions[sessionID]; ok {
		old.close()
	}
	l := newListener(cb, d.size, d.logger.Logger())
	d.sessions[sessionID] = l
	return l.id
}

// unset removes the session's callback. A non-nil handle must match the
// current registration, so a stale owner cannot remove a newer one.
func (d *dispatcher) unset(sessionID uint32, handle uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.sessions[sessionID]
	if !ok || (handle != uuid.Nil && l.id != handle) {
		return false
	}
	delete(d.sessions, sessionID)
	l.close()
	return true
}

func (d *dispatcher) hasCallback(sessionID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[sessionID]
	return ok
}

func (d *dispatcher) subscribe(cb Callback) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return uuid.Nil
	}
	l := newListener(cb, d.size, d.logger.Logger())
	d.observers[l.id] = l
	return l.id
}

func (d *dispatcher) unsubscribe(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.observers[id]
	if !ok {
		return false
	}
	delete(d.observers, id)
	l.close()
	return true
}

func (d *dispatcher) post(ev InterruptEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if l, ok := d.sessions[ev.SessionID]; ok {
		if !l.offer(ev) {
			metrics.RecordInterruptEventDropped()
			d.logger.Logger().Warn().Uint32("session_id", ev.SessionID).Str("hint", ev.Hint.String()).Msg("interrupt queue full, event dropped")
		}
	} else {
		d.logger.Logger().Debug().Uint32("session_id", ev.SessionID).Str("hint", ev.Hint.String()).Msg("no interrupt callback, event dropped")
	}
	for _, o := range d.observers {
		if !o.offer(ev) {
			metrics.RecordInterruptEventDropped()
		}
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, l := range d.sessions {
		l.close()
		delete(d.sessions, id)
	}
	for id, l := range d.observers {
		l.close()
		delete(d.observers, id)
	}
}
