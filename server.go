package audiofw

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/events"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/service"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server owns the audio service, the event broadcaster and the HTTP surface.
type Server struct {
	cfg       *config.Config
	service   *service.AudioService
	events    *events.Broadcaster
	eventsSub uuid.UUID
	nats      *telemetry.NATSReporter
	http      *http.Server
}

// NewServer builds every service. Nothing listens until Run.
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	reporters := telemetry.NewMulti(telemetry.NewLogReporter())
	var nats *telemetry.NATSReporter
	if cfg.NATSURL != "" {
		var err error
		if nats, err = telemetry.NewNATSReporter(cfg.NATSURL, cfg.NATSSubject); err != nil {
			return nil, err
		}
		reporters.Add(nats)
	}

	sessions := &SessionProvider{}
	bc := initializeBroadcaster(sessions)
	svc, err := service.New(service.Options{
		Config:    cfg,
		Telemetry: reporters,
		Observer:  bc,
	})
	if err != nil {
		bc.Close()
		if nats != nil {
			nats.Close()
		}
		return nil, err
	}
	sessions.svc = svc

	s := &Server{
		cfg:       cfg,
		service:   svc,
		events:    bc,
		eventsSub: svc.Arbiter().Subscribe(bc),
		nats:      nats,
	}
	s.http = &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           s.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Service() *service.AudioService { return s.service }
func (s *Server) Events() *events.Broadcaster    { return s.events }
func (s *Server) Handler() http.Handler          { return s.http.Handler }

// Run serves HTTP until ctx is done, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.HTTPListen)
	if err != nil {
		s.Close()
		return err
	}
	logger.Info().Str("addr", l.Addr().String()).Msg("control API listening")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.http.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Stop accepting requests once we are commanded to stop.
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(sctx)
	})

	g.Go(func() error {
		s.broadcastEndpointStats(gctx)
		return nil
	})

	err = g.Wait()
	s.Close()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Close releases every session and stops event delivery.
func (s *Server) Close() {
	s.service.Arbiter().Unsubscribe(s.eventsSub)
	s.service.Close()
	s.events.Close()
	if s.nats != nil {
		s.nats.Close()
	}
}
