// Package audiofw is the audio server: it owns the audio service and serves
// the control API, the event stream and the metrics endpoint.
package audiofw

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
)

var logger = logging.GetSubsystemLogger(logging.ComponentServer)

// Main runs the audio server until SIGINT or SIGTERM.
func Main(cfg *config.Config) error {
	if err := logging.Init(logging.Options{
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		MaxSizeKB: cfg.LogMaxSizeKB,
		Console:   true,
	}); err != nil {
		return err
	}
	defer logging.Close()
	logger = logging.GetSubsystemLogger(logging.ComponentServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info().Msg("audio server shutting down")
		cancel()
	}()

	logger.Info().
		Str("listen", cfg.HTTPListen).
		Int("sample_rate", cfg.SampleRate).
		Int("channels", cfg.Channels).
		Dur("span", cfg.SpanDuration).
		Msg("starting audio server")

	s, err := NewServer(cfg)
	if err != nil {
		return err
	}
	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
