// Package events streams interrupt and stream state events to WebSocket
// subscribers.
package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/interrupt"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/service"
	"github.com/rs/zerolog"
)

// EventType names an event on the wire.
type EventType string

const (
	EventInterrupt     EventType = "audio-interrupt"
	EventStreamState   EventType = "stream-state-changed"
	EventSessionsSync  EventType = "sessions-snapshot"
	EventEndpointStats EventType = "endpoint-stats"
)

// Event is one WebSocket message.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

var ErrClosed = errors.New("event broadcaster closed")

// Options configures a Broadcaster.
type Options struct {
	// QueueSize bounds the events buffered per subscriber; a slow subscriber
	// loses events beyond it.
	QueueSize int
	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
	// Snapshot, when set, is sent to every new subscriber first.
	Snapshot func() interface{}
}

type subscriber struct {
	id     uuid.UUID
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Event
	logger *zerolog.Logger
}

// Broadcaster fans events out to subscribers. It implements
// interrupt.Callback and service.StateObserver; both paths only enqueue.
type Broadcaster struct {
	opts Options

	mutex       sync.RWMutex
	subscribers map[uuid.UUID]*subscriber
	closed      bool

	logger *logging.ComponentLogger
}

var (
	_ interrupt.Callback    = (*Broadcaster)(nil)
	_ service.StateObserver = (*Broadcaster)(nil)
)

func NewBroadcaster(opts Options) *Broadcaster {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Broadcaster{
		opts:        opts,
		subscribers: make(map[uuid.UUID]*subscriber),
		logger:      logging.NewComponentLogger(*logging.GetDefaultLogger(), logging.ComponentEvents),
	}
}

// Subscribe starts delivering events to conn until ctx ends or a write fails.
func (b *Broadcaster) Subscribe(ctx context.Context, conn *websocket.Conn) (uuid.UUID, error) {
	var snapshot interface{}
	if b.opts.Snapshot != nil {
		snapshot = b.opts.Snapshot()
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return uuid.Nil, ErrClosed
	}
	id := uuid.New()
	l := b.logger.Logger().With().Str("subscriber", id.String()).Logger()
	sctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		id:     id,
		conn:   conn,
		ctx:    sctx,
		cancel: cancel,
		queue:  make(chan Event, b.opts.QueueSize),
		logger: &l,
	}
	if b.opts.Snapshot != nil {
		sub.queue <- Event{Type: EventSessionsSync, Data: snapshot}
	}
	b.subscribers[id] = sub
	go b.writeLoop(sub)
	l.Debug().Msg("audio events subscription added")
	return id, nil
}

// Unsubscribe stops delivery to a subscriber.
func (b *Broadcaster) Unsubscribe(id uuid.UUID) {
	b.mutex.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mutex.Unlock()
	if ok {
		sub.cancel()
		sub.logger.Debug().Msg("audio events subscription removed")
	}
}

// Serve subscribes conn and blocks until the peer goes away. Messages from
// the peer are discarded.
func (b *Broadcaster) Serve(ctx context.Context, conn *websocket.Conn) error {
	ctx = conn.CloseRead(ctx)
	id, err := b.Subscribe(ctx, conn)
	if err != nil {
		return err
	}
	defer b.Unsubscribe(id)
	<-ctx.Done()
	return nil
}

// SubscriberCount is the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) OnInterrupt(ev interrupt.InterruptEvent) {
	b.broadcast(Event{Type: EventInterrupt, Data: ev})
}

func (b *Broadcaster) OnStreamState(ev service.StreamStateEvent) {
	b.broadcast(Event{Type: EventStreamState, Data: ev})
}

// BroadcastEndpointStats publishes a periodic endpoint statistics sample.
func (b *Broadcaster) BroadcastEndpointStats(stats interface{}) {
	b.broadcast(Event{Type: EventEndpointStats, Data: stats})
}

func (b *Broadcaster) broadcast(event Event) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.queue <- event:
		default:
			sub.logger.Warn().Str("event", string(event.Type)).Msg("subscriber queue full, dropping audio event")
		}
	}
}

func (b *Broadcaster) writeLoop(sub *subscriber) {
	defer b.Unsubscribe(sub.id)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case ev := <-sub.queue:
			if !b.sendToSubscriber(sub, ev) {
				return
			}
		}
	}
}

func (b *Broadcaster) sendToSubscriber(sub *subscriber, event Event) bool {
	ctx, cancel := context.WithTimeout(sub.ctx, b.opts.WriteTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, sub.conn, event); err != nil {
		// Closed connections are expected on page reloads.
		if strings.Contains(err.Error(), "use of closed network connection") ||
			strings.Contains(err.Error(), "connection reset by peer") ||
			errors.Is(err, context.Canceled) {
			sub.logger.Debug().Err(err).Msg("websocket connection closed during audio event send")
		} else {
			sub.logger.Warn().Err(err).Msg("failed to send audio event to subscriber")
		}
		return false
	}
	return true
}

// Close drops every subscriber and refuses new ones.
func (b *Broadcaster) Close() {
	b.mutex.Lock()
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[uuid.UUID]*subscriber)
	b.mutex.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}
