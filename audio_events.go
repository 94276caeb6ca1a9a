package audiofw

import (
	"context"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/endpoint"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/events"
)

const statsBroadcastInterval = 2 * time.Second

// EndpointStatsData is one endpoint's entry in an endpoint-stats event.
type EndpointStatsData struct {
	Endpoint string         `json:"endpoint"`
	Playback bool           `json:"playback"`
	Running  bool           `json:"running"`
	Stats    endpoint.Stats `json:"stats"`
}

// initializeBroadcaster creates the event broadcaster; new subscribers get
// the session list first.
func initializeBroadcaster(sessions *SessionProvider) *events.Broadcaster {
	return events.NewBroadcaster(events.Options{
		Snapshot: func() interface{} { return sessions.Sessions() },
	})
}

func (s *Server) endpointStats() []EndpointStatsData {
	eps := s.service.Pool().Endpoints()
	out := make([]EndpointStatsData, 0, len(eps))
	for _, ep := range eps {
		out = append(out, EndpointStatsData{
			Endpoint: ep.Key(),
			Playback: ep.IsPlayback(),
			Running:  ep.IsRunning(),
			Stats:    ep.Stats(),
		})
	}
	return out
}

// broadcastEndpointStats periodically publishes endpoint statistics while
// anyone is listening.
func (s *Server) broadcastEndpointStats(ctx context.Context) {
	ticker := time.NewTicker(statsBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Early exit if no subscribers to save CPU
		if s.events.SubscriberCount() == 0 {
			continue
		}
		s.events.BroadcastEndpointStats(s.endpointStats())
	}
}
